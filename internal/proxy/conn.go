package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ez-captcha/ez-shark/internal/codec"
	"github.com/ez-captcha/ez-shark/internal/domain"
	"github.com/ez-captcha/ez-shark/internal/upstream"
)

// connHandler owns one accepted connection for its whole lifetime.
type connHandler struct {
	srv  *Server
	conn net.Conn
	meta domain.Connection
}

func (h *connHandler) run() {
	defer func() {
		h.meta.State = domain.ConnClosed
	}()
	br := bufio.NewReader(h.conn)
	for {
		if h.srv.cfg.IdleTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.IdleTimeout))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			// EOF between requests is a normal close, not a violation
			return
		}
		_ = h.conn.SetReadDeadline(time.Time{})

		if req.Method == http.MethodConnect {
			h.handleConnect(req, br)
			return
		}
		if req.URL == nil || req.URL.Scheme == "" || req.URL.Host == "" {
			h.writeSimpleResponse(http.StatusBadRequest, "proxy: absolute URI required")
			return
		}
		// plain HTTP proxying: relay over the connector, keep-alive aware
		keepAlive := h.serveExchange(h.conn, br, req, "http", canonicalHostPort(req.URL.Host, "80"))
		if !keepAlive {
			return
		}
	}
}

// handleConnect establishes the tunnel and decides between TLS
// interception and a plain passthrough of the tunneled bytes. The first
// byte of the tunneled stream distinguishes a TLS ClientHello (0x16) from
// plaintext HTTP.
func (h *connHandler) handleConnect(req *http.Request, br *bufio.Reader) {
	hostport := canonicalHostPort(req.Host, "443")
	if _, err := io.WriteString(h.conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	h.meta.State = domain.ConnAwaitingClientHello
	first, err := br.Peek(1)
	if err != nil {
		return
	}
	if first[0] != 0x16 {
		// plaintext inside the tunnel: parse it as HTTP directly
		h.tunnelLoop(h.conn, br, "http", hostport)
		return
	}

	clientTLS, upstreamTLS, ok := h.intercept(br, hostport)
	if !ok {
		return
	}
	defer clientTLS.Close()
	// park the verified upstream session; the first exchange picks it up
	// from the pool instead of dialing again
	h.srv.connector.Release("https", hostport, upstreamTLS, true)
	h.tunnelLoop(clientTLS, bufio.NewReader(clientTLS), "https", hostport)
}

// tunnelLoop serves a keep-alive sequence of exchanges over an established
// (possibly decrypted) client stream.
func (h *connHandler) tunnelLoop(clientRW io.ReadWriter, br *bufio.Reader, scheme, hostport string) {
	for {
		if h.srv.cfg.IdleTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.IdleTimeout))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = h.conn.SetReadDeadline(time.Time{})
		if !h.serveExchange(clientRW, br, req, scheme, hostport) {
			return
		}
	}
}

// serveExchange relays one request/response pair, recording it into the
// traffic store. Returns false when the connection must not be reused.
func (h *connHandler) serveExchange(clientRW io.ReadWriter, clientBR *bufio.Reader, req *http.Request, scheme, hostport string) bool {
	s := h.srv
	ctx := context.Background()

	uri := req.URL.String()
	if req.URL.Scheme == "" {
		uri = scheme + "://" + hostport + req.URL.RequestURI()
	}

	ex := domain.Exchange{
		ConnectionID: h.meta.ID,
		Method:       req.Method,
		URI:          uri,
		HTTPVersion:  req.Proto,
		State:        domain.StateRequesting,
		ReqHeaders:   domain.NewHeaders(req.Header),
		StartTime:    time.Now().UTC(),
	}
	id, _ := s.svc.Create(ctx, ex)
	s.hub.Broadcast(Event{Type: EventExchangeStarted, ExchangeID: id})

	// capture the request body while relaying it untouched
	var reqCap *captureReader
	if req.Body != nil && req.Body != http.NoBody {
		reqCap = newCaptureReader(req.Body, s.cfg.BodyMaxBytes)
		req.Body = io.NopCloser(reqCap)
	}

	outReq := req
	outReq.RequestURI = ""
	outReq.URL.Scheme = scheme
	outReq.URL.Host = hostport
	removeHopHeaders(outReq.Header)
	outReq.Header.Set("Via", "ez-shark")

	upConn, err := h.dialUpstream(ctx, scheme, hostport)
	if err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("dial").Inc()
		kind := domain.FailureUpstreamUnreachable
		if !errors.Is(err, upstream.ErrUnreachable) {
			kind = domain.FailureProtocolViolation
		}
		h.failExchange(id, kind, err.Error())
		h.writeRawResponse(clientRW, http.StatusBadGateway, "upstream unreachable")
		return false
	}

	if err := outReq.Write(upConn); err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("write_upstream").Inc()
		h.failExchange(id, domain.FailureUpstreamUnreachable, err.Error())
		s.connector.Release(scheme, hostport, upConn, false)
		h.writeRawResponse(clientRW, http.StatusBadGateway, "upstream write failed")
		return false
	}
	h.recordRequestBody(id, req.Header.Get("Content-Encoding"), reqCap)

	upBR := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(upBR, outReq)
	if err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("read_upstream").Inc()
		h.failExchange(id, domain.FailureProtocolViolation, err.Error())
		s.connector.Release(scheme, hostport, upConn, false)
		h.writeRawResponse(clientRW, http.StatusBadGateway, "upstream read failed")
		return false
	}

	_ = s.svc.Update(ctx, id, func(e *domain.Exchange) {
		e.State = domain.StateResponding
		e.Status = resp.StatusCode
		e.ResHeaders = domain.NewHeaders(resp.Header)
	})

	if resp.StatusCode == http.StatusSwitchingProtocols && isWebSocketUpgrade(req, resp) {
		// hand the raw streams over to frame-level relay
		if err := resp.Write(clientRW); err != nil {
			h.failExchange(id, domain.FailureProtocolViolation, err.Error())
			s.connector.Release(scheme, hostport, upConn, false)
			return false
		}
		wsNum := int(id)
		_ = s.svc.Update(ctx, id, func(e *domain.Exchange) {
			e.State = domain.StateResponseDone
			e.WebSocketID = &wsNum
		})
		h.relayWebSocket(id, clientBR, clientRW, upBR, upConn)
		s.connector.Release(scheme, hostport, upConn, false)
		return false
	}

	resCap := newCaptureReader(resp.Body, s.cfg.BodyMaxBytes)
	resp.Body = io.NopCloser(resCap)
	if err := resp.Write(clientRW); err != nil {
		h.failExchange(id, domain.FailureAborted, err.Error())
		s.connector.Release(scheme, hostport, upConn, false)
		return false
	}

	now := time.Now().UTC()
	encoding := resp.Header.Get("Content-Encoding")
	_ = s.svc.Update(ctx, id, func(e *domain.Exchange) {
		e.ResBody = h.buildBody(encoding, resCap)
		if e.ResBody != nil && e.ResBody.DecodeError != "" {
			e.AddError(e.ResBody.DecodeError)
		}
		e.State = domain.StateCompleted
		e.EndTime = &now
	})
	s.metrics.ExchangesTotal.WithLabelValues(string(domain.StateCompleted)).Inc()
	s.hub.Broadcast(Event{Type: EventExchangeCompleted, ExchangeID: id})

	chunked := len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked"
	clean := !resp.Close && resCap.EOF() && (resp.ContentLength >= 0 || chunked)
	s.connector.Release(scheme, hostport, upConn, clean)

	return !req.Close && !resp.Close
}

func (h *connHandler) dialUpstream(ctx context.Context, scheme, hostport string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, h.srv.cfg.ConnectTimeout)
	defer cancel()
	if scheme == "https" {
		host, _, _ := net.SplitHostPort(hostport)
		return h.srv.connector.DialTLS(dctx, hostport, host)
	}
	return h.srv.connector.Dial(dctx, hostport)
}

func (h *connHandler) recordRequestBody(id uint64, encoding string, cr *captureReader) {
	if cr == nil {
		return
	}
	body := h.buildBody(encoding, cr)
	if body == nil {
		return
	}
	_ = h.srv.svc.Update(context.Background(), id, func(e *domain.Exchange) {
		e.ReqBody = body
		if body.DecodeError != "" {
			e.AddError(body.DecodeError)
		}
	})
}

// buildBody normalizes captured bytes into the canonical decoded form plus
// the original encoding label, so replay can always re-encode.
func (h *connHandler) buildBody(encoding string, cr *captureReader) *domain.Body {
	raw := cr.Bytes()
	if len(raw) == 0 && !cr.Truncated() {
		return nil
	}
	body := &domain.Body{
		Data:      raw,
		Encoding:  strings.ToLower(strings.TrimSpace(encoding)),
		Truncated: cr.Truncated(),
		RawSize:   cr.Total(),
	}
	if !h.srv.cfg.DecodeBodies || cr.Truncated() {
		return body
	}
	res := codec.Decode(encoding, raw)
	body.Data = res.Data
	body.Decoded = res.Decoded
	if res.Err != nil {
		body.DecodeError = res.Err.Error()
		h.srv.metrics.ProxyErrorsTotal.WithLabelValues("decode").Inc()
	}
	return body
}

func (h *connHandler) failExchange(id uint64, kind domain.FailureKind, msg string) {
	if h.srv.shuttingDown() {
		kind = domain.FailureAborted
	}
	state := domain.StateFailed
	if kind == domain.FailureAborted {
		state = domain.StateAborted
	}
	now := time.Now().UTC()
	_ = h.srv.svc.Update(context.Background(), id, func(e *domain.Exchange) {
		if e.State.Terminal() {
			return
		}
		e.State = state
		e.FailureKind = kind
		e.AddError(msg)
		e.EndTime = &now
	})
	h.srv.metrics.ExchangesTotal.WithLabelValues(string(state)).Inc()
	h.srv.hub.Broadcast(Event{Type: EventExchangeFailed, ExchangeID: id, Reason: msg})
}

func (h *connHandler) writeSimpleResponse(status int, msg string) {
	h.writeRawResponse(h.conn, status, msg)
}

func (h *connHandler) writeRawResponse(w io.Writer, status int, msg string) {
	resp := http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
		Close:         true,
	}
	_ = resp.Write(w)
}

func isWebSocketUpgrade(req *http.Request, resp *http.Response) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.EqualFold(resp.Header.Get("Upgrade"), "websocket")
}

func canonicalHostPort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}

// hop-by-hop headers must not be forwarded (RFC 7230 §6.1)
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	// honor Connection-listed headers before dropping Connection itself
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" && !strings.EqualFold(name, "close") && !strings.EqualFold(name, "upgrade") {
				h.Del(name)
			}
		}
	}
	upgrade := strings.EqualFold(h.Get("Upgrade"), "websocket")
	for _, name := range hopHeaders {
		if upgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
	if upgrade {
		h.Set("Connection", "Upgrade")
	}
}

// captureReader tees up to max bytes off a stream without altering what
// the consumer reads.
type captureReader struct {
	r         io.Reader
	buf       bytes.Buffer
	max       int
	total     int64
	truncated bool
	sawEOF    bool
}

func newCaptureReader(r io.Reader, max int) *captureReader {
	if max <= 0 {
		max = 8 << 20
	}
	return &captureReader{r: r, max: max}
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		room := c.max - c.buf.Len()
		if room > 0 {
			if n <= room {
				c.buf.Write(p[:n])
			} else {
				c.buf.Write(p[:room])
				c.truncated = true
			}
		} else {
			c.truncated = true
		}
	}
	if err == io.EOF {
		c.sawEOF = true
	}
	return n, err
}

func (c *captureReader) Bytes() []byte   { return c.buf.Bytes() }
func (c *captureReader) Total() int64    { return c.total }
func (c *captureReader) Truncated() bool { return c.truncated }
func (c *captureReader) EOF() bool       { return c.sawEOF }
