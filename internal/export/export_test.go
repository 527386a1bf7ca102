package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ez-captcha/ez-shark/internal/domain"
)

func sampleExchange() *domain.Exchange {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(120 * time.Millisecond)
	return &domain.Exchange{
		ID:          7,
		Method:      "POST",
		URI:         "https://api.example.test/v1/items?page=2",
		HTTPVersion: "HTTP/1.1",
		State:       domain.StateCompleted,
		ReqHeaders: &domain.Headers{Items: []domain.Header{
			{Name: "content-type", Value: "application/json"},
			{Name: "cookie", Value: "sid=abc; theme=dark"},
			{Name: "host", Value: "api.example.test"},
		}, Size: 90},
		ReqBody: &domain.Body{Data: []byte(`{"name":"it's"}`), RawSize: 15, Decoded: true},
		Status:  201,
		ResHeaders: &domain.Headers{Items: []domain.Header{
			{Name: "content-type", Value: "application/json; charset=utf-8"},
			{Name: "set-cookie", Value: "sid=def; Path=/; HttpOnly"},
		}, Size: 70},
		ResBody:   &domain.Body{Data: []byte(`{"id":99}`), RawSize: 9, Decoded: true},
		StartTime: start,
		EndTime:   &end,
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleExchange())
	for _, want := range []string{
		"# POST https://api.example.test/v1/items?page=2 Created",
		"REQUEST HEADERS",
		"content-type: application/json",
		"```json",
		`{"id":99}`,
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdownBinaryBodyAndError(t *testing.T) {
	ex := sampleExchange()
	ex.ResBody = &domain.Body{Data: []byte{0xff, 0xfe, 0x00, 0x01}, RawSize: 4}
	ex.Error = "decode gzip: unexpected EOF"
	md := Markdown(ex)
	if !strings.Contains(md, "[BINARY DATA]") {
		t.Fatalf("binary body not flagged:\n%s", md)
	}
	if !strings.Contains(md, "ERROR: decode gzip: unexpected EOF") {
		t.Fatalf("error line missing:\n%s", md)
	}
}

func TestCurl(t *testing.T) {
	cmd := Curl(sampleExchange())
	if !strings.HasPrefix(cmd, "curl https://api.example.test/v1/items?page=2") {
		t.Fatalf("curl prefix wrong:\n%s", cmd)
	}
	if !strings.Contains(cmd, "-X POST") {
		t.Fatalf("method missing:\n%s", cmd)
	}
	if strings.Contains(cmd, "-H 'host:") {
		t.Fatalf("host header must be omitted:\n%s", cmd)
	}
	// single quotes in the body must survive shell quoting
	if !strings.Contains(cmd, `-d '{"name":"it'\''s"}'`) {
		t.Fatalf("body quoting wrong:\n%s", cmd)
	}
}

func TestHAREntry(t *testing.T) {
	out, err := json.Marshal(HAR([]*domain.Exchange{sampleExchange()}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc struct {
		Log struct {
			Version string `json:"version"`
			Creator struct {
				Name string `json:"name"`
			} `json:"creator"`
			Entries []struct {
				StartedDateTime string  `json:"startedDateTime"`
				Time            float64 `json:"time"`
				Request         struct {
					Method      string `json:"method"`
					URL         string `json:"url"`
					QueryString []struct {
						Name  string `json:"name"`
						Value string `json:"value"`
					} `json:"queryString"`
					Cookies []struct {
						Name string `json:"name"`
					} `json:"cookies"`
				} `json:"request"`
				Response struct {
					Status  int `json:"status"`
					Content struct {
						MimeType string `json:"mimeType"`
						Text     string `json:"text"`
					} `json:"content"`
					Cookies []struct {
						Name     string `json:"name"`
						HTTPOnly bool   `json:"httpOnly"`
					} `json:"cookies"`
				} `json:"response"`
			} `json:"entries"`
		} `json:"log"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Log.Version != "1.2" || doc.Log.Creator.Name != "ez-shark" {
		t.Fatalf("log header wrong: %+v", doc.Log)
	}
	if len(doc.Log.Entries) != 1 {
		t.Fatalf("entries = %d", len(doc.Log.Entries))
	}
	e := doc.Log.Entries[0]
	if e.Request.Method != "POST" || e.Response.Status != 201 {
		t.Fatalf("entry basics wrong: %+v", e)
	}
	if e.Time != 120 {
		t.Fatalf("time = %v, want 120", e.Time)
	}
	if len(e.Request.QueryString) != 1 || e.Request.QueryString[0].Name != "page" {
		t.Fatalf("queryString = %+v", e.Request.QueryString)
	}
	if len(e.Request.Cookies) != 2 {
		t.Fatalf("request cookies = %+v", e.Request.Cookies)
	}
	if len(e.Response.Cookies) != 1 || !e.Response.Cookies[0].HTTPOnly {
		t.Fatalf("response cookies = %+v", e.Response.Cookies)
	}
	if e.Response.Content.Text != `{"id":99}` {
		t.Fatalf("content = %+v", e.Response.Content)
	}
}

func TestExchangeFormats(t *testing.T) {
	ex := sampleExchange()

	out, ct, err := Exchange(ex, "req-body")
	if err != nil || string(out) != `{"name":"it's"}` || ct != "application/octet-stream" {
		t.Fatalf("req-body: %q %q %v", out, ct, err)
	}
	if _, _, err := Exchange(ex, "bogus"); err == nil {
		t.Fatal("unknown format must error")
	}

	out, _, err = Exchange(ex, "")
	if err != nil {
		t.Fatalf("full json: %v", err)
	}
	var full map[string]any
	if err := json.Unmarshal(out, &full); err != nil {
		t.Fatalf("full json not parseable: %v", err)
	}
	if _, ok := full["exchange"]; !ok {
		t.Fatalf("full json missing exchange: %v", full)
	}
}

func TestBodyHex(t *testing.T) {
	dump := BodyHex([]byte("GET / HTTP/1.1\r\nHo"))
	lines := strings.Split(strings.TrimRight(dump, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d:\n%s", len(lines), dump)
	}
	if !strings.HasPrefix(lines[0], "00000000  47 45 54 20 2f 20 48 54  54 50 2f 31 2e 31 0d 0a") {
		t.Fatalf("first row wrong: %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], "|GET / HTTP/1.1..|") {
		t.Fatalf("gutter wrong: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "00000010  48 6f") {
		t.Fatalf("second row wrong: %q", lines[1])
	}
	if !strings.HasSuffix(lines[1], "|Ho|") {
		t.Fatalf("partial gutter wrong: %q", lines[1])
	}
	if BodyHex(nil) != "" {
		t.Fatal("empty dump must be empty")
	}
}
