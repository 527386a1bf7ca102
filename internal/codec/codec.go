// Package codec maps Content-Encoding tokens to streaming decoders used to
// normalize captured bodies for inspection. Decoding only ever touches the
// recorded copy; the bytes relayed on the wire are untouched.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Codec decodes one Content-Encoding scheme from a stream and re-encodes
// for replay.
type Codec interface {
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) io.WriteCloser
}

var registry = map[string]Codec{
	"gzip":     gzipCodec{},
	"x-gzip":   gzipCodec{},
	"deflate":  deflateCodec{},
	"br":       brotliCodec{},
	"zstd":     zstdCodec{},
	"identity": identityCodec{},
	"":         identityCodec{},
}

// Lookup returns the codec for an encoding token, or nil when the encoding
// is unknown and the body must be kept as-is.
func Lookup(encoding string) Codec {
	tok := strings.ToLower(strings.TrimSpace(encoding))
	// only the first token of a composite value is handled; multi-step
	// encodings are rare enough to treat as unknown
	if i := strings.IndexByte(tok, ','); i >= 0 {
		return nil
	}
	return registry[tok]
}

// Result is the outcome of a best-effort decode.
type Result struct {
	Data    []byte
	Decoded bool
	Err     error
}

// Decode normalizes raw bytes for the given encoding. Failures and unknown
// encodings return the raw bytes with Decoded=false; Err is set only for
// actual decode failures, not for unknown encodings.
func Decode(encoding string, raw []byte) Result {
	c := Lookup(encoding)
	if c == nil {
		return Result{Data: raw, Decoded: false}
	}
	if _, ok := c.(identityCodec); ok {
		return Result{Data: raw, Decoded: true}
	}
	if len(raw) == 0 {
		return Result{Data: raw, Decoded: true}
	}
	r, err := c.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Result{Data: raw, Decoded: false, Err: fmt.Errorf("decode %s: %w", encoding, err)}
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return Result{Data: raw, Decoded: false, Err: fmt.Errorf("decode %s: %w", encoding, err)}
	}
	return Result{Data: out, Decoded: true}
}

// Encode re-applies an encoding to a canonical decoded body, for replay.
func Encode(encoding string, data []byte) ([]byte, error) {
	c := Lookup(encoding)
	if c == nil {
		return nil, fmt.Errorf("encode: unknown encoding %q", encoding)
	}
	var buf bytes.Buffer
	w := c.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type gzipCodec struct{}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }
func (gzipCodec) NewWriter(w io.Writer) io.WriteCloser         { return gzip.NewWriter(w) }

// deflateCodec accepts both zlib-wrapped and raw deflate streams; servers
// disagree on which one "deflate" means.
type deflateCodec struct{}

func (deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	br := newPeekReader(r)
	head, err := br.Peek(2)
	if err == nil && isZlibHeader(head[0], head[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// isZlibHeader follows RFC 1950: CM 8, CINFO at most 7, and the CMF/FLG
// pair a multiple of 31.
func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0F == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func (deflateCodec) NewWriter(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) }

type brotliCodec struct{}

func (brotliCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}
func (brotliCodec) NewWriter(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) }

type zstdCodec struct{}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func (zstdCodec) NewWriter(w io.Writer) io.WriteCloser {
	zw, _ := zstd.NewWriter(w)
	return zw
}

type identityCodec struct{}

func (identityCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }
func (identityCodec) NewWriter(w io.Writer) io.WriteCloser         { return nopWriteCloser{w} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// peekReader is a minimal buffered reader exposing Peek without pulling in
// a full bufio buffer per body.
type peekReader struct {
	r    io.Reader
	head []byte
}

func newPeekReader(r io.Reader) *peekReader { return &peekReader{r: r} }

func (p *peekReader) Peek(n int) ([]byte, error) {
	for len(p.head) < n {
		buf := make([]byte, n-len(p.head))
		m, err := p.r.Read(buf)
		p.head = append(p.head, buf[:m]...)
		if err != nil {
			return p.head, err
		}
	}
	return p.head[:n], nil
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	return p.r.Read(b)
}
