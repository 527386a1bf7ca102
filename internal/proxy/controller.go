package proxy

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ez-captcha/ez-shark/internal/adapters/storage/memory"
	"github.com/ez-captcha/ez-shark/internal/cert"
	"github.com/ez-captcha/ez-shark/internal/domain"
	"github.com/ez-captcha/ez-shark/internal/infrastructure/config"
	obs "github.com/ez-captcha/ez-shark/internal/infrastructure/observability"
	"github.com/ez-captcha/ez-shark/internal/upstream"
	"github.com/ez-captcha/ez-shark/internal/usecase"
)

// Controller is the command surface handed to the surrounding application
// (GUI shell, CLI, tests). It owns every core component; nothing in here
// is process-global, so two controllers can coexist in one process.
type Controller struct {
	cfg       config.Config
	log       *zerolog.Logger
	metrics   *obs.Metrics
	store     *memory.Store
	svc       *usecase.TrafficService
	ca        *cert.CA
	connector *upstream.Connector
	hub       *Hub
	server    *Server
}

// NewController wires the components. CA initialization errors (unwritable
// profile dir, signing failure) surface here and are fatal.
func NewController(cfg config.Config, log *zerolog.Logger, metrics *obs.Metrics) (*Controller, error) {
	ca, err := cert.NewCA(cfg.ProfileDir, cfg.CertCacheSize)
	if err != nil {
		return nil, err
	}
	ca.OnSign(func() { metrics.CertsIssuedTotal.Inc() })

	store := memory.NewStore(cfg.MaxExchanges, cfg.MaxFramesPerSocket, cfg.MaxAge)
	store.OnEvict(func(n int) { metrics.EvictionsTotal.Add(float64(n)) })
	svc := usecase.NewTrafficService(store, store)

	connector := upstream.NewConnector(upstream.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		ProxyAddr:      cfg.UpstreamProxy,
		InsecureTLS:    cfg.InsecureTLS,
	}, log)

	hub := NewHub()
	c := &Controller{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		store:     store,
		svc:       svc,
		ca:        ca,
		connector: connector,
		hub:       hub,
	}
	c.server = NewServer(cfg, log, metrics, svc, ca, connector, hub)
	return c, nil
}

func (c *Controller) Start() error                     { return c.server.Start() }
func (c *Controller) Stop(ctx context.Context) error   { return c.server.Stop(ctx) }
func (c *Controller) State() string                    { return c.server.State() }
func (c *Controller) Server() *Server                  { return c.server }
func (c *Controller) Hub() *Hub                        { return c.hub }
func (c *Controller) Service() *usecase.TrafficService { return c.svc }
func (c *Controller) Metrics() *obs.Metrics            { return c.metrics }

// RootCertificatePEM exports the trust anchor (certificate only).
func (c *Controller) RootCertificatePEM() []byte { return c.ca.RootPEM() }

// RegenerateRootCertificate replaces the root pair and invalidates every
// cached leaf.
func (c *Controller) RegenerateRootCertificate() error { return c.ca.Regenerate() }

func (c *Controller) ListExchanges(ctx context.Context, f usecase.ExchangeFilter) ([]domain.Head, int, error) {
	return c.svc.List(ctx, f)
}

func (c *Controller) GetExchange(ctx context.Context, id uint64) (domain.Exchange, bool, error) {
	return c.svc.Get(ctx, id)
}

func (c *Controller) ListFrames(ctx context.Context, id uint64, from string, limit int) ([]domain.WebSocketFrame, string, error) {
	return c.svc.ListFrames(ctx, id, from, limit)
}

func (c *Controller) ClearTraffic(ctx context.Context) error { return c.svc.Clear(ctx) }

// SetUpstreamProxy reroutes future dials; empty restores direct dialing.
func (c *Controller) SetUpstreamProxy(addr string) { c.connector.SetProxy(addr) }

// Events subscribes to the notification stream. Pair with CloseEvents.
func (c *Controller) Events() chan Event        { return c.hub.Subscribe() }
func (c *Controller) CloseEvents(ch chan Event) { c.hub.Unsubscribe(ch) }
