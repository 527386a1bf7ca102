// Package httpapi is the local control surface: a small REST API plus a
// monitor websocket, served on a separate port from the proxy listener
// so control traffic never mixes with captured traffic.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ez-captcha/ez-shark/internal/infrastructure/config"
	obs "github.com/ez-captcha/ez-shark/internal/infrastructure/observability"
	"github.com/ez-captcha/ez-shark/internal/proxy"
)

type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *obs.Metrics
	Ctrl    *proxy.Controller
}

func NewRouter(d *Deps) http.Handler {
	return withCORS(buildBaseMux(d))
}

// buildBaseMux constructs the mux with all routes, without wrappers.
func buildBaseMux(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "ez-shark",
			"version": obs.Version,
			"time":    time.Now().UTC(),
		})
	})

	mux.HandleFunc("/api/exchanges", d.handleExchanges)
	// Single handler for /api/exchanges/* to avoid duplicate registrations
	mux.HandleFunc("/api/exchanges/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/frames") {
			d.handleFrames(w, r)
			return
		}
		d.handleExchangeByID(w, r)
	})
	mux.HandleFunc("/api/export", d.handleExportAll)

	mux.HandleFunc("/api/cert", d.handleRootCert)
	mux.HandleFunc("/api/cert/regenerate", d.handleRegenerateCert)

	mux.HandleFunc("/api/proxy/start", d.handleProxyStart)
	mux.HandleFunc("/api/proxy/stop", d.handleProxyStop)
	mux.HandleFunc("/api/proxy/state", d.handleProxyState)
	mux.HandleFunc("/api/settings/upstream", d.handleUpstreamSetting)

	mux.HandleFunc("/api/monitor/ws", d.Ctrl.Hub().HandleWS)

	return mux
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
