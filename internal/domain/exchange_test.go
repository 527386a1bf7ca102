package domain

import (
	"net/http"
	"testing"
	"time"
)

func TestTerminalStates(t *testing.T) {
	for _, s := range []TransactionState{StatePending, StateRequesting, StateResponding, StateResponseDone} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	for _, s := range []TransactionState{StateCompleted, StateFailed, StateAborted} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestAddErrorAccumulates(t *testing.T) {
	var ex Exchange
	ex.AddError("decode br: bad stream")
	ex.AddError("upstream reset")
	want := "decode br: bad stream\nupstream reset"
	if ex.Error != want {
		t.Fatalf("Error = %q, want %q", ex.Error, want)
	}
}

func TestTimeInFlight(t *testing.T) {
	ex := Exchange{StartTime: time.Now()}
	if ex.Time() != -1 {
		t.Fatalf("in-flight Time() = %d, want -1", ex.Time())
	}
	end := ex.StartTime.Add(250 * time.Millisecond)
	ex.EndTime = &end
	if ex.Time() != 250 {
		t.Fatalf("Time() = %d, want 250", ex.Time())
	}
}

func TestMimeStripsParameters(t *testing.T) {
	ex := Exchange{ResHeaders: &Headers{Items: []Header{
		{Name: "content-type", Value: "text/html; charset=utf-8"},
	}}}
	if got := ex.Mime(); got != "text/html" {
		t.Fatalf("Mime() = %q", got)
	}
	var none Exchange
	if got := none.Mime(); got != "" {
		t.Fatalf("Mime() without headers = %q", got)
	}
}

func TestNewHeadersLowercasesAndCounts(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	hs := NewHeaders(h)
	if len(hs.Items) != 3 {
		t.Fatalf("items = %d, want 3 (multi-value preserved)", len(hs.Items))
	}
	if hs.Get("content-type") != "text/plain" || hs.Get("CONTENT-TYPE") != "text/plain" {
		t.Fatal("case-insensitive Get broken")
	}
	if hs.Size <= 2 {
		t.Fatalf("size = %d", hs.Size)
	}
}

func TestHeadSummarizes(t *testing.T) {
	end := time.Now()
	start := end.Add(-100 * time.Millisecond)
	ex := Exchange{
		ID:     4,
		Method: "GET",
		URI:    "https://example.test/img.png",
		Status: 200,
		ResHeaders: &Headers{Items: []Header{
			{Name: "content-type", Value: "image/png"},
		}},
		ResBody:   &Body{RawSize: 2048},
		State:     StateCompleted,
		StartTime: start,
		EndTime:   &end,
	}
	h := ex.Head()
	if h.ID != 4 || h.Size != 2048 || h.Mime != "image/png" || h.TimeMs != 100 {
		t.Fatalf("Head = %+v", h)
	}
}
