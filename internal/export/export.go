// Package export renders captured exchanges for the surrounding
// application: HAR 1.2, markdown, an equivalent curl command and a hex
// view of binary bodies.
package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/ez-captcha/ez-shark/internal/domain"
	obs "github.com/ez-captcha/ez-shark/internal/infrastructure/observability"
)

// Exchange renders ex in the requested format and reports a content type
// for HTTP delivery. Supported formats: "har", "markdown", "curl",
// "req-body", "res-body" and "" (full JSON).
func Exchange(ex *domain.Exchange, format string) ([]byte, string, error) {
	switch format {
	case "har":
		out, err := json.MarshalIndent(HAR([]*domain.Exchange{ex}), "", "  ")
		return out, "application/json; charset=UTF-8", err
	case "markdown":
		return []byte(Markdown(ex)), "text/markdown; charset=UTF-8", nil
	case "curl":
		return []byte(Curl(ex)), "text/plain; charset=UTF-8", nil
	case "req-body":
		if ex.ReqBody == nil {
			return nil, "", fmt.Errorf("export: no request body data")
		}
		return ex.ReqBody.Data, "application/octet-stream", nil
	case "res-body":
		if ex.ResBody == nil {
			return nil, "", fmt.Errorf("export: no response body data")
		}
		return ex.ResBody.Data, "application/octet-stream", nil
	case "":
		out, err := json.MarshalIndent(fullJSON(ex), "", "  ")
		return out, "application/json; charset=UTF-8", err
	default:
		return nil, "", fmt.Errorf("export: unsupported format %q", format)
	}
}

func fullJSON(ex *domain.Exchange) map[string]any {
	out := map[string]any{"exchange": ex}
	if ex.ReqBody != nil {
		out["reqBody"] = bodyJSON(ex.ReqBody)
	}
	if ex.ResBody != nil {
		out["resBody"] = bodyJSON(ex.ResBody)
	}
	return out
}

func bodyJSON(b *domain.Body) map[string]any {
	out := map[string]any{"size": b.RawSize, "decoded": b.Decoded}
	if utf8.Valid(b.Data) {
		out["encode"] = "utf8"
		out["value"] = string(b.Data)
	} else {
		out["encode"] = "base64"
		out["value"] = base64.StdEncoding.EncodeToString(b.Data)
	}
	if b.DecodeError != "" {
		out["decodeError"] = b.DecodeError
	}
	return out
}

// Markdown renders the exchange the way the log viewer copies it out.
func Markdown(ex *domain.Exchange) string {
	var lines []string
	lines = append(lines, "\n# "+ex.Oneline())
	if ex.ReqHeaders != nil {
		lines = append(lines, renderHeaders("REQUEST HEADERS", ex.ReqHeaders))
	}
	if ex.ReqBody != nil && len(ex.ReqBody.Data) > 0 {
		lines = append(lines, renderBody("REQUEST BODY", ex.ReqBody, ex.ReqHeaders))
	}
	if ex.ResHeaders != nil {
		lines = append(lines, renderHeaders("RESPONSE HEADERS", ex.ResHeaders))
	}
	if ex.ResBody != nil && len(ex.ResBody.Data) > 0 {
		lines = append(lines, renderBody("RESPONSE BODY", ex.ResBody, ex.ResHeaders))
	}
	if ex.Error != "" {
		lines = append(lines, renderError(ex.Error))
	}
	return strings.Join(lines, "\n\n")
}

func renderHeaders(title string, h *domain.Headers) string {
	var b strings.Builder
	for _, item := range h.Items {
		fmt.Fprintf(&b, "%s: %s\n", item.Name, item.Value)
	}
	return title + "\n```\n" + strings.TrimRight(b.String(), "\n") + "\n```"
}

func renderBody(title string, body *domain.Body, headers *domain.Headers) string {
	if utf8.Valid(body.Data) {
		lang := mdLang(mime(headers))
		return title + "\n```" + lang + "\n" + string(body.Data) + "\n```"
	}
	return title + "\n\n[BINARY DATA]"
}

func renderError(err string) string {
	if strings.Contains(err, "\n") {
		return "ERROR\n```\n" + err + "\n```"
	}
	return "ERROR: " + err
}

func mdLang(contentType string) string {
	switch {
	case strings.Contains(contentType, "json"):
		return "json"
	case strings.Contains(contentType, "html"):
		return "html"
	case strings.Contains(contentType, "xml"):
		return "xml"
	case strings.Contains(contentType, "javascript"):
		return "js"
	case strings.Contains(contentType, "css"):
		return "css"
	default:
		return ""
	}
}

func mime(h *domain.Headers) string {
	ct := h.Get("content-type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Curl reconstructs the request as a copy-pasteable command.
func Curl(ex *domain.Exchange) string {
	var b strings.Builder
	b.WriteString("curl " + ex.URI)
	if ex.Method != "GET" {
		b.WriteString(" \\\n  -X " + ex.Method)
	}
	if ex.ReqHeaders != nil {
		for _, h := range ex.ReqHeaders.Items {
			if h.Name == "content-length" || h.Name == "host" {
				continue
			}
			b.WriteString(" \\\n  -H '" + h.Name + ": " + strings.ReplaceAll(h.Value, "'", `'\''`) + "'")
		}
	}
	if ex.ReqBody != nil && len(ex.ReqBody.Data) > 0 && utf8.Valid(ex.ReqBody.Data) {
		b.WriteString(" \\\n  -d '" + strings.ReplaceAll(string(ex.ReqBody.Data), "'", `'\''`) + "'")
	}
	return b.String()
}

// HAR wraps exchanges in a HAR 1.2 log.
func HAR(exchanges []*domain.Exchange) map[string]any {
	entries := make([]map[string]any, 0, len(exchanges))
	for _, ex := range exchanges {
		entries = append(entries, harEntry(ex))
	}
	return map[string]any{
		"log": map[string]any{
			"version": "1.2",
			"creator": map[string]any{
				"name":    "ez-shark",
				"version": obs.Version,
				"comment": "",
			},
			"pages":   []any{},
			"entries": entries,
		},
	}
}

func harEntry(ex *domain.Exchange) map[string]any {
	request := map[string]any{
		"method":      ex.Method,
		"url":         ex.URI,
		"httpVersion": ex.HTTPVersion,
		"cookies":     harReqCookies(ex.ReqHeaders),
		"headers":     harHeaders(ex.ReqHeaders),
		"queryString": harQueryString(ex.URI),
		"postData":    harReqBody(ex.ReqBody, ex.ReqHeaders),
		"headersSize": harSize(ex.ReqHeaders, 0),
		"bodySize":    harBodySize(ex.ReqBody, 0),
	}
	response := map[string]any{
		"status":      ex.Status,
		"statusText":  "",
		"httpVersion": ex.HTTPVersion,
		"cookies":     harResCookies(ex.ResHeaders),
		"headers":     harHeaders(ex.ResHeaders),
		"content":     harResBody(ex.ResBody, ex.ResHeaders),
		"redirectURL": ex.ResHeaders.Get("location"),
		"headersSize": harSize(ex.ResHeaders, -1),
		"bodySize":    harBodySize(ex.ResBody, -1),
	}
	return map[string]any{
		"startedDateTime": ex.StartTime.Format("2006-01-02T15:04:05.000Z07:00"),
		"time":            ex.Time(),
		"request":         request,
		"response":        response,
		"cache":           map[string]any{},
		"timings": map[string]any{
			"connect": -1,
			"ssl":     -1,
			"send":    -1,
			"receive": -1,
			"wait":    -1,
		},
	}
}

func harHeaders(h *domain.Headers) []map[string]any {
	out := []map[string]any{}
	if h == nil {
		return out
	}
	for _, item := range h.Items {
		out = append(out, map[string]any{"name": item.Name, "value": item.Value})
	}
	return out
}

func harSize(h *domain.Headers, def int64) int64 {
	if h == nil {
		return def
	}
	return h.Size
}

func harBodySize(b *domain.Body, def int64) int64 {
	if b == nil {
		return def
	}
	return b.RawSize
}

func harQueryString(uri string) []map[string]any {
	out := []map[string]any{}
	u, err := url.Parse(uri)
	if err != nil {
		return out
	}
	for name, values := range u.Query() {
		for _, v := range values {
			out = append(out, map[string]any{"name": name, "value": v})
		}
	}
	return out
}

func harReqCookies(h *domain.Headers) []map[string]any {
	out := []map[string]any{}
	if h == nil {
		return out
	}
	for _, item := range h.Items {
		if item.Name != "cookie" {
			continue
		}
		for _, kv := range strings.Split(item.Value, ";") {
			kv = strings.TrimSpace(kv)
			if name, value, ok := strings.Cut(kv, "="); ok {
				out = append(out, map[string]any{"name": name, "value": value})
			}
		}
	}
	return out
}

func harResCookies(h *domain.Headers) []map[string]any {
	out := []map[string]any{}
	if h == nil {
		return out
	}
	for _, item := range h.Items {
		if item.Name != "set-cookie" {
			continue
		}
		parts := strings.Split(item.Value, ";")
		name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
		if !ok {
			continue
		}
		cookie := map[string]any{"name": name, "value": value}
		for _, attr := range parts[1:] {
			k, v, _ := strings.Cut(strings.TrimSpace(attr), "=")
			switch strings.ToLower(k) {
			case "path":
				cookie["path"] = v
			case "domain":
				cookie["domain"] = v
			case "expires":
				cookie["expires"] = v
			case "httponly":
				cookie["httpOnly"] = true
			case "secure":
				cookie["secure"] = true
			}
		}
		out = append(out, cookie)
	}
	return out
}

func harReqBody(b *domain.Body, h *domain.Headers) map[string]any {
	ct := h.Get("content-type")
	if b == nil {
		return map[string]any{"mimeType": ct, "text": ""}
	}
	return map[string]any{"mimeType": ct, "text": string(b.Data)}
}

func harResBody(b *domain.Body, h *domain.Headers) map[string]any {
	ct := h.Get("content-type")
	if b == nil {
		return map[string]any{"size": 0, "mimeType": ct, "text": ""}
	}
	out := map[string]any{"size": b.RawSize, "mimeType": ct}
	if utf8.Valid(b.Data) {
		out["text"] = string(b.Data)
	} else {
		out["text"] = base64.StdEncoding.EncodeToString(b.Data)
		out["encoding"] = "base64"
	}
	out["compression"] = int64(len(b.Data)) - b.RawSize
	return out
}
