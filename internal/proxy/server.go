// Package proxy implements the interception core: the listener/dispatcher,
// the per-connection protocol state machine, TLS interception and the
// HTTP/WebSocket tunnel engine.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ez-captcha/ez-shark/internal/cert"
	"github.com/ez-captcha/ez-shark/internal/domain"
	"github.com/ez-captcha/ez-shark/internal/infrastructure/config"
	obs "github.com/ez-captcha/ez-shark/internal/infrastructure/observability"
	"github.com/ez-captcha/ez-shark/internal/upstream"
	"github.com/ez-captcha/ez-shark/internal/usecase"
)

// ErrListenerBind is fatal to startup; nothing was accepted.
var ErrListenerBind = errors.New("proxy: listener bind failed")

const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateDraining = "draining"
)

// Server accepts client connections and spawns one handler goroutine per
// connection. The certificate authority, the traffic store and the
// upstream pool are the only shared state; each is internally synchronized.
type Server struct {
	cfg       config.Config
	log       *zerolog.Logger
	metrics   *obs.Metrics
	svc       *usecase.TrafficService
	ca        *cert.CA
	connector *upstream.Connector
	hub       *Hub

	mu       sync.Mutex
	ln       net.Listener
	state    string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
	draining bool
}

func NewServer(cfg config.Config, log *zerolog.Logger, metrics *obs.Metrics, svc *usecase.TrafficService, ca *cert.CA, connector *upstream.Connector, hub *Hub) *Server {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 512
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		svc:       svc,
		ca:        ca,
		connector: connector,
		hub:       hub,
		state:     StateStopped,
		conns:     make(map[net.Conn]struct{}),
		sem:       make(chan struct{}, maxConns),
	}
}

// Start binds the listen address and begins accepting. It returns once the
// listener is ready, or with ErrListenerBind without becoming ready.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("proxy: already %s", s.state)
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrListenerBind, err)
	}
	s.ln = ln
	s.state = StateRunning
	s.draining = false
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("proxy listening")
	s.hub.Broadcast(Event{Type: EventServerStateChanged, State: StateRunning})
	go s.acceptLoop(ln)
	return nil
}

// Addr reports the bound address, useful when ListenAddr had port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// listener closed during shutdown
			return
		}
		select {
		case s.sem <- struct{}{}:
		default:
			// over the connection cap; shed load instead of queueing
			s.log.Warn().Str("client", conn.RemoteAddr().String()).Msg("connection limit reached, rejecting")
			_ = conn.Close()
			continue
		}
		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			<-s.sem
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.ActiveConnections.Inc()
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
				<-s.sem
				s.metrics.ActiveConnections.Dec()
				s.wg.Done()
			}()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, waits up to the drain timeout for in-flight
// connections and force-closes the rest. Force-closed connections mark
// their open exchange Aborted.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	s.draining = true
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	s.hub.Broadcast(Event{Type: EventServerStateChanged, State: StateDraining})
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.forceCloseConns()
		<-done
	case <-ctx.Done():
		s.forceCloseConns()
		<-done
	}

	s.connector.Close()
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.hub.Broadcast(Event{Type: EventServerStateChanged, State: StateStopped})
	s.log.Info().Msg("proxy stopped")
	return nil
}

func (s *Server) forceCloseConns() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) handleConn(conn net.Conn) {
	meta := domain.Connection{
		ID:         uuid.NewString(),
		ClientAddr: conn.RemoteAddr().String(),
		CreatedAt:  time.Now().UTC(),
		State:      domain.ConnEstablished,
	}
	h := &connHandler{srv: s, conn: conn, meta: meta}
	defer func() {
		if r := recover(); r != nil {
			// a protocol bug must not take other connections down with it
			s.log.Error().Interface("panic", r).Str("conn", meta.ID).Msg("connection handler panic")
			s.metrics.ProxyErrorsTotal.WithLabelValues("panic").Inc()
		}
	}()
	h.run()
}
