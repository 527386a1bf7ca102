package domain

import (
	"net/http"
	"strings"
	"time"
)

// TransactionState tracks an exchange through its lifecycle. Terminal states
// are Completed, Failed and Aborted; everything else may still mutate.
type TransactionState string

const (
	StatePending      TransactionState = "pending"
	StateRequesting   TransactionState = "requesting"
	StateResponding   TransactionState = "responding"
	StateResponseDone TransactionState = "response_done"
	StateCompleted    TransactionState = "completed"
	StateFailed       TransactionState = "failed"
	StateAborted      TransactionState = "aborted"
)

func (s TransactionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// FailureKind classifies terminal errors recorded on an exchange.
type FailureKind string

const (
	FailureCertIssue           FailureKind = "cert_issue"
	FailureUpstreamUnreachable FailureKind = "upstream_unreachable"
	FailureProtocolViolation   FailureKind = "protocol_violation"
	FailureDecode              FailureKind = "decode"
	FailureAborted             FailureKind = "aborted"
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Headers struct {
	Items []Header `json:"items"`
	Size  int64    `json:"size"`
}

// NewHeaders snapshots an http.Header preserving multi-valued entries.
// Size approximates the wire size ("name: value\r\n" per item plus the
// final blank line), matching how header sizes are reported in HAR.
func NewHeaders(h http.Header) *Headers {
	hs := &Headers{Items: make([]Header, 0, len(h))}
	for name, values := range h {
		for _, v := range values {
			hs.Items = append(hs.Items, Header{Name: strings.ToLower(name), Value: v})
			hs.Size += int64(len(name)) + int64(len(v)) + 4
		}
	}
	hs.Size += 2
	return hs
}

func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	for _, item := range h.Items {
		if strings.EqualFold(item.Name, name) {
			return item.Value
		}
	}
	return ""
}

// Body holds a captured payload in canonical decoded form. When decoding
// failed (or the encoding is unknown) Data carries the raw bytes and
// Decoded is false; the bytes on the wire are never affected either way.
type Body struct {
	Data        []byte `json:"-"`
	Encoding    string `json:"encoding,omitempty"`
	Decoded     bool   `json:"decoded"`
	DecodeError string `json:"decodeError,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	RawSize     int64  `json:"rawSize"`
}

// Exchange is one captured request/response pair. A reader holding a copy
// observes either the request alone or the full request+response, never a
// torn response; the store enforces that by swapping whole values.
type Exchange struct {
	ID           uint64           `json:"id"`
	ConnectionID string           `json:"connectionId"`
	Method       string           `json:"method"`
	URI          string           `json:"uri"`
	HTTPVersion  string           `json:"httpVersion,omitempty"`
	State        TransactionState `json:"state"`

	ReqHeaders *Headers `json:"reqHeaders,omitempty"`
	ReqBody    *Body    `json:"reqBody,omitempty"`

	Status     int      `json:"status,omitempty"`
	ResHeaders *Headers `json:"resHeaders,omitempty"`
	ResBody    *Body    `json:"resBody,omitempty"`

	WebSocketID *int `json:"websocketId,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	Error       string      `json:"error,omitempty"`
	FailureKind FailureKind `json:"failureKind,omitempty"`
}

// AddError appends to the accumulated error text rather than replacing it,
// so a decode annotation does not hide a later transport failure.
func (e *Exchange) AddError(msg string) {
	if e.Error == "" {
		e.Error = msg
		return
	}
	e.Error += "\n" + msg
}

func (e *Exchange) Oneline() string {
	out := e.Method + " " + e.URI
	if e.Status != 0 {
		out += " " + http.StatusText(e.Status)
	}
	return out
}

// Time reports the total duration in milliseconds, or -1 while in flight.
func (e *Exchange) Time() int64 {
	if e.EndTime == nil || e.StartTime.IsZero() {
		return -1
	}
	return e.EndTime.Sub(e.StartTime).Milliseconds()
}

// Mime extracts the bare media type of the response.
func (e *Exchange) Mime() string {
	ct := e.ResHeaders.Get("content-type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Head is the summary row handed to observers and list endpoints.
type Head struct {
	ID           uint64           `json:"id"`
	Method       string           `json:"method"`
	URI          string           `json:"uri"`
	Status       int              `json:"status,omitempty"`
	Size         int64            `json:"size"`
	TimeMs       int64            `json:"time"`
	Mime         string           `json:"mime,omitempty"`
	State        TransactionState `json:"state"`
	StartTime    time.Time        `json:"startTime"`
	WebSocketID  *int             `json:"websocketId,omitempty"`
	ConnectionID string           `json:"connectionId"`
}

func (e *Exchange) Head() Head {
	var size int64
	if e.ResBody != nil {
		size = e.ResBody.RawSize
	}
	return Head{
		ID:           e.ID,
		Method:       e.Method,
		URI:          e.URI,
		Status:       e.Status,
		Size:         size,
		TimeMs:       e.Time(),
		Mime:         e.Mime(),
		State:        e.State,
		StartTime:    e.StartTime,
		WebSocketID:  e.WebSocketID,
		ConnectionID: e.ConnectionID,
	}
}
