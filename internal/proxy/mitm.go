package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ez-captcha/ez-shark/internal/domain"
)

// intercept runs the man-in-the-middle handshake for a CONNECT tunnel:
// terminate TLS against the client with a CA-issued leaf for the requested
// name, then open a verified TLS session to the real origin. Handshake
// failures are recorded as a failed exchange rather than silently dropped.
func (h *connHandler) intercept(br *bufio.Reader, hostport string) (*tls.Conn, *tls.Conn, bool) {
	s := h.srv
	host, _, _ := net.SplitHostPort(hostport)

	h.meta.State = domain.ConnNegotiatingClientTLS
	var issueErr error
	tlsConf := &tls.Config{
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// SNI drives issuance; fall back to the CONNECT target for
			// clients that do not send a server name
			name := chi.ServerName
			if name == "" {
				name = host
			}
			h.meta.SNI = chi.ServerName
			leaf, err := s.ca.IssueLeaf(name)
			if err != nil {
				issueErr = err
				return nil, err
			}
			return &leaf, nil
		},
	}

	clientTLS := tls.Server(&bufferedConn{Conn: h.conn, r: br}, tlsConf)
	if err := clientTLS.HandshakeContext(context.Background()); err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("client_tls").Inc()
		s.log.Debug().Err(err).Str("host", hostport).Msg("client tls handshake failed")
		// cert_issue only when issuance itself failed; a client rejecting
		// the presented chain (root not installed) is a handshake fault
		kind := domain.FailureProtocolViolation
		if issueErr != nil {
			kind = domain.FailureCertIssue
		}
		h.recordHandshakeFailure(hostport, kind, err.Error())
		h.meta.State = domain.ConnClosed
		return nil, nil, false
	}
	h.meta.Protocol = clientTLS.ConnectionState().NegotiatedProtocol

	h.meta.State = domain.ConnConnectingUpstream
	dctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	h.meta.State = domain.ConnNegotiatingUpstreamTLS
	serverName := h.meta.SNI
	if serverName == "" {
		serverName = host
	}
	upstreamTLS, err := s.connector.DialTLS(dctx, hostport, serverName)
	if err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("upstream_tls").Inc()
		s.log.Debug().Err(err).Str("host", hostport).Msg("upstream tls failed")
		h.recordHandshakeFailure(hostport, domain.FailureUpstreamUnreachable, err.Error())
		_ = clientTLS.Close()
		h.meta.State = domain.ConnClosed
		return nil, nil, false
	}

	h.meta.State = domain.ConnEstablished
	h.meta.Intercepted = true
	return clientTLS, upstreamTLS, true
}

// recordHandshakeFailure files a terminal exchange for a tunnel that died
// before any request could be parsed, so the failure is visible in the
// traffic list.
func (h *connHandler) recordHandshakeFailure(hostport string, kind domain.FailureKind, msg string) {
	if h.srv.shuttingDown() {
		kind = domain.FailureAborted
	}
	state := domain.StateFailed
	if kind == domain.FailureAborted {
		state = domain.StateAborted
	}
	now := time.Now().UTC()
	ex := domain.Exchange{
		ConnectionID: h.meta.ID,
		Method:       http.MethodConnect,
		URI:          hostport,
		State:        state,
		FailureKind:  kind,
		StartTime:    now,
		EndTime:      &now,
		Error:        msg,
	}
	id, _ := h.srv.svc.Create(context.Background(), ex)
	h.srv.metrics.ExchangesTotal.WithLabelValues(string(state)).Inc()
	h.srv.hub.Broadcast(Event{Type: EventExchangeFailed, ExchangeID: id, Reason: msg})
}

// bufferedConn lets the TLS server consume bytes already pulled into the
// dispatcher's bufio.Reader.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
