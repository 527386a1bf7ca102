package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ez-captcha/ez-shark/internal/domain"
)

// errFrameLength reports a declared payload length outside RFC 6455's
// 63-bit range. The connection carrying it cannot be resynchronized.
var errFrameLength = errors.New("websocket frame length outside protocol range")

// wsFrame is one wire frame. payload holds the unmasked bytes kept for
// the record, truncated to the capture cap; size is the declared length.
type wsFrame struct {
	opcode  byte
	payload []byte
	size    uint64
}

// relayWebSocket relays frames bit-for-bit in both directions after a 101
// upgrade, recording each as a WebSocketFrame. Re-encoding is verbatim so
// masking and extension state pass through uncorrupted.
func (h *connHandler) relayWebSocket(id uint64, clientBR *bufio.Reader, clientW io.Writer, upBR *bufio.Reader, upConn io.WriteCloser) {
	var g errgroup.Group
	g.Go(func() error {
		err := h.pumpFrames(id, clientBR, upConn, domain.DirectionClientToServer)
		_ = upConn.Close()
		_ = h.conn.Close()
		return err
	})
	g.Go(func() error {
		err := h.pumpFrames(id, upBR, clientW, domain.DirectionServerToClient)
		_ = upConn.Close()
		_ = h.conn.Close()
		return err
	})
	err := g.Wait()

	now := time.Now().UTC()
	if h.srv.shuttingDown() {
		h.failExchange(id, domain.FailureAborted, "connection aborted during shutdown")
		return
	}
	if errors.Is(err, errFrameLength) {
		h.failExchange(id, domain.FailureProtocolViolation, err.Error())
		return
	}
	_ = h.srv.svc.Update(context.Background(), id, func(e *domain.Exchange) {
		if e.State.Terminal() {
			return
		}
		e.State = domain.StateCompleted
		e.EndTime = &now
	})
	h.srv.metrics.ExchangesTotal.WithLabelValues(string(domain.StateCompleted)).Inc()
	h.srv.hub.Broadcast(Event{Type: EventExchangeCompleted, ExchangeID: id})
}

func (h *connHandler) pumpFrames(id uint64, src *bufio.Reader, dst io.Writer, dir domain.Direction) error {
	for {
		f, err := relayWSFrame(src, dst, h.srv.cfg.BodyMaxBytes)
		if err != nil {
			return err
		}
		op := opcodeName(f.opcode)
		fr := domain.WebSocketFrame{
			ID:         uuid.NewString(),
			ExchangeID: id,
			Ts:         time.Now().UTC(),
			Direction:  dir,
			Opcode:     op,
			Payload:    f.payload,
			Size:       int(f.size),
		}
		_ = h.srv.svc.AddFrame(context.Background(), id, fr)
		h.srv.metrics.FramesTotal.WithLabelValues(string(dir), string(op)).Inc()
		h.srv.hub.Broadcast(Event{Type: EventWebSocketFrame, ExchangeID: id, Ref: fr.ID})
	}
}

// relayWSFrame parses one frame (RFC 6455 §5.2) and forwards its exact
// bytes to dst as they are read. At most recordCap payload bytes are
// materialized for the record; the remainder streams through in chunks,
// so a hostile length header never drives a matching allocation.
// Fragmented messages are recorded frame by frame; relaying never waits
// for a full message.
func relayWSFrame(src *bufio.Reader, dst io.Writer, recordCap int) (*wsFrame, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, err
	}
	header := append([]byte(nil), head...)

	opcode := head[0] & 0x0F
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(src, ext); err != nil {
			return nil, err
		}
		header = append(header, ext...)
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(src, ext); err != nil {
			return nil, err
		}
		header = append(header, ext...)
		length = binary.BigEndian.Uint64(ext)
		if length&(1<<63) != 0 {
			return nil, errFrameLength
		}
	}

	var maskKey []byte
	if masked {
		maskKey = make([]byte, 4)
		if _, err := io.ReadFull(src, maskKey); err != nil {
			return nil, err
		}
		header = append(header, maskKey...)
	}
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}

	if recordCap < 0 {
		recordCap = 0
	}
	keep := length
	if uint64(recordCap) < keep {
		keep = uint64(recordCap)
	}
	payload := make([]byte, keep)
	if _, err := io.ReadFull(src, payload); err != nil {
		return nil, err
	}
	if _, err := dst.Write(payload); err != nil {
		return nil, err
	}
	if rest := length - keep; rest > 0 {
		if _, err := io.CopyN(dst, src, int64(rest)); err != nil {
			return nil, err
		}
	}

	record := payload
	if masked {
		record = make([]byte, len(payload))
		for i := range payload {
			record[i] = payload[i] ^ maskKey[i&3]
		}
	}
	return &wsFrame{opcode: opcode, payload: record, size: length}, nil
}

func opcodeName(op byte) domain.Opcode {
	switch op {
	case 0x1:
		return domain.OpcodeText
	case 0x2:
		return domain.OpcodeBinary
	case 0x8:
		return domain.OpcodeClose
	case 0x9:
		return domain.OpcodePing
	case 0xA:
		return domain.OpcodePong
	default:
		// continuation and reserved opcodes are kept as binary
		return domain.OpcodeBinary
	}
}
