package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	cfgpkg "github.com/ez-captcha/ez-shark/internal/infrastructure/config"
	"github.com/ez-captcha/ez-shark/internal/infrastructure/httpapi"
	obs "github.com/ez-captcha/ez-shark/internal/infrastructure/observability"
	"github.com/ez-captcha/ez-shark/internal/proxy"
)

func main() {
	cfg := cfgpkg.FromEnv()

	logger := obs.NewLogger(cfg.LogLevel)
	logger.Info().Str("addr", cfg.ListenAddr).Str("version", obs.Version).Msg("starting ez-shark")

	metrics := obs.NewMetrics()

	ctrl, err := proxy.NewController(cfg, logger, metrics)
	if err != nil {
		logger.Error().Err(err).Msg("init failed")
		os.Exit(1)
	}
	if err := ctrl.Start(); err != nil {
		logger.Error().Err(err).Msg("proxy listener failed")
		os.Exit(1)
	}
	addr := ""
	if a := ctrl.Server().Addr(); a != nil {
		addr = a.String()
	}
	logger.Info().Str("addr", addr).Msg("proxy listening")

	// Control API on its own port; the proxy port carries only proxied
	// traffic. h2c lets HTTP/2 clients talk to the API without TLS while
	// HTTP/1.1 (and the monitor websocket upgrade) keep working.
	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Ctrl: ctrl}
	api := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           h2c.NewHandler(httpapi.NewRouter(deps), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("control api listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control api error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("proxy shutdown error")
	}
	if err := api.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("control api shutdown error")
	}
	logger.Info().Msg("ez-shark stopped")
}
