package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ez-captcha/ez-shark/internal/domain"
	"github.com/ez-captcha/ez-shark/internal/export"
	"github.com/ez-captcha/ez-shark/internal/usecase"
)

func (d *Deps) handleExchanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := usecase.ExchangeFilter{Q: q.Get("q")}
		if v := q.Get("state"); v != "" {
			st := domain.TransactionState(v)
			filter.State = &st
		}
		if v := q.Get("since_id"); v != "" {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_since_id", "since_id must be a number")
				return
			}
			filter.SinceID = id
		}
		filter.Limit = intQuery(q.Get("limit"), 100)
		filter.Offset = intQuery(q.Get("offset"), 0)

		heads, total, err := d.Ctrl.ListExchanges(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": heads, "total": total})
	case http.MethodDelete:
		if err := d.Ctrl.ClearTraffic(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "clear_failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "", "use GET or DELETE")
	}
}

func (d *Deps) handleExchangeByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "use GET")
		return
	}
	id, ok := pathID(w, r, "/api/exchanges/")
	if !ok {
		return
	}
	ex, found, err := d.Ctrl.GetExchange(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no such exchange")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "hex" {
		d.writeHex(w, r, &ex)
		return
	}
	out, contentType, err := export.Exchange(&ex, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(out)
}

func (d *Deps) writeHex(w http.ResponseWriter, r *http.Request, ex *domain.Exchange) {
	var body *domain.Body
	switch r.URL.Query().Get("part") {
	case "req":
		body = ex.ReqBody
	case "", "res":
		body = ex.ResBody
	default:
		writeError(w, http.StatusBadRequest, "bad_part", "part must be req or res")
		return
	}
	if body == nil {
		writeError(w, http.StatusNotFound, "no_body", "no body captured for that side")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	_, _ = w.Write([]byte(export.BodyHex(body.Data)))
}

type frameDTO struct {
	ID        string    `json:"id"`
	Ts        time.Time `json:"ts"`
	Direction string    `json:"direction"`
	Opcode    string    `json:"opcode"`
	Size      int       `json:"size"`
	Encode    string    `json:"encode"`
	Payload   string    `json:"payload"`
}

func (d *Deps) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "use GET")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/exchanges/")
	idStr := strings.TrimSuffix(rest, "/frames")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "exchange id must be a number")
		return
	}

	q := r.URL.Query()
	frames, next, err := d.Ctrl.ListFrames(r.Context(), id, q.Get("from"), intQuery(q.Get("limit"), 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "frames_failed", err.Error())
		return
	}
	items := make([]frameDTO, 0, len(frames))
	for _, f := range frames {
		dto := frameDTO{
			ID:        f.ID,
			Ts:        f.Ts,
			Direction: string(f.Direction),
			Opcode:    string(f.Opcode),
			Size:      f.Size,
		}
		if utf8.Valid(f.Payload) {
			dto.Encode, dto.Payload = "utf8", string(f.Payload)
		} else {
			dto.Encode, dto.Payload = "base64", base64.StdEncoding.EncodeToString(f.Payload)
		}
		items = append(items, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next": next})
}

func (d *Deps) handleExportAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "use GET")
		return
	}
	if f := r.URL.Query().Get("format"); f != "" && f != "har" {
		writeError(w, http.StatusBadRequest, "bad_format", "only har is supported for bulk export")
		return
	}
	heads, _, err := d.Ctrl.ListExchanges(r.Context(), usecase.ExchangeFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	exchanges := make([]*domain.Exchange, 0, len(heads))
	for _, h := range heads {
		ex, found, err := d.Ctrl.GetExchange(r.Context(), h.ID)
		if err != nil || !found {
			continue
		}
		exchanges = append(exchanges, &ex)
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ez-shark.har"`)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(export.HAR(exchanges))
}

func (d *Deps) handleRootCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "use GET")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ez-shark-ca.crt"`)
	_, _ = w.Write(d.Ctrl.RootCertificatePEM())
}

func (d *Deps) handleRegenerateCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "use POST")
		return
	}
	if err := d.Ctrl.RegenerateRootCertificate(); err != nil {
		writeError(w, http.StatusInternalServerError, "regenerate_failed", err.Error())
		return
	}
	d.Logger.Info().Msg("root certificate regenerated")
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "use POST")
		return
	}
	if err := d.Ctrl.Start(); err != nil {
		writeError(w, http.StatusConflict, "start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": d.Ctrl.State(), "addr": listenAddr(d)})
}

func (d *Deps) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "use POST")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), d.Cfg.DrainTimeout+time.Second)
	defer cancel()
	if err := d.Ctrl.Stop(ctx); err != nil {
		writeError(w, http.StatusConflict, "stop_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": d.Ctrl.State()})
}

func (d *Deps) handleProxyState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": d.Ctrl.State(), "addr": listenAddr(d)})
}

func listenAddr(d *Deps) string {
	if a := d.Ctrl.Server().Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (d *Deps) handleUpstreamSetting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "", "use PUT")
		return
	}
	var body struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	d.Ctrl.SetUpstreamProxy(body.Addr)
	d.Logger.Info().Str("addr", body.Addr).Msg("upstream proxy updated")
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (uint64, bool) {
	idStr := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "exchange id must be a number")
		return 0, false
	}
	return id, true
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
