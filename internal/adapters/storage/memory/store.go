package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ez-captcha/ez-shark/internal/domain"
	"github.com/ez-captcha/ez-shark/internal/usecase"
)

type entry struct {
	exchange  domain.Exchange
	frames    []domain.WebSocketFrame
	createdAt time.Time
}

// Store is the in-memory traffic log. Insertion order equals id order;
// retention drops from the head without renumbering surviving entries.
type Store struct {
	mu    sync.RWMutex
	order []uint64
	items map[uint64]*entry

	nextID uint64

	maxExchanges   int
	maxFramesPerWS int
	maxAge         time.Duration
	onEvict        func(n int)
}

func NewStore(maxExchanges, maxFrames int, maxAge time.Duration) *Store {
	return &Store{
		order:          make([]uint64, 0, maxExchanges),
		items:          make(map[uint64]*entry, maxExchanges),
		nextID:         1,
		maxExchanges:   maxExchanges,
		maxFramesPerWS: maxFrames,
		maxAge:         maxAge,
	}
}

// OnEvict registers a callback invoked (under no lock) with the number of
// entries dropped by a retention pass. Used for the evictions metric.
func (s *Store) OnEvict(fn func(n int)) { s.onEvict = fn }

func (s *Store) CreateExchange(ctx context.Context, ex domain.Exchange) (uint64, error) {
	s.mu.Lock()
	evicted := s.evictLocked()
	id := s.nextID
	s.nextID++
	ex.ID = id
	if ex.State == "" {
		ex.State = domain.StatePending
	}
	s.items[id] = &entry{exchange: ex, createdAt: time.Now()}
	s.order = append(s.order, id)
	s.mu.Unlock()
	if evicted > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return id, nil
}

func (s *Store) GetExchange(ctx context.Context, id uint64) (domain.Exchange, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[id]; ok {
		return e.exchange, true, nil
	}
	return domain.Exchange{}, false, nil
}

// UpdateExchange applies fn to a private copy and swaps it in whole, so a
// concurrent GetExchange never sees a half-written response.
func (s *Store) UpdateExchange(ctx context.Context, id uint64, fn func(*domain.Exchange)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil
	}
	ex := e.exchange
	fn(&ex)
	ex.ID = id
	e.exchange = ex
	return nil
}

func (s *Store) ListExchanges(ctx context.Context, f usecase.ExchangeFilter) ([]domain.Head, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]domain.Head, 0, len(s.order))
	for _, id := range s.order {
		e := s.items[id]
		if e == nil || id <= f.SinceID {
			continue
		}
		if f.State != nil && e.exchange.State != *f.State {
			continue
		}
		h := e.exchange.Head()
		if f.Q != "" && !headMatches(h, f.Q) && !exchangeMatches(&e.exchange, f.Q) {
			continue
		}
		results = append(results, h)
	}
	total := len(results)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return results[start:end], total, nil
}

func (s *Store) ClearExchanges(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// nextID keeps counting so ids stay unique across a clear
	s.items = make(map[uint64]*entry, s.maxExchanges)
	s.order = s.order[:0]
	return nil
}

func (s *Store) AppendFrame(ctx context.Context, exchangeID uint64, f domain.WebSocketFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[exchangeID]; ok {
		if s.maxFramesPerWS > 0 && len(e.frames) >= s.maxFramesPerWS {
			e.frames = e.frames[1:]
		}
		e.frames = append(e.frames, f)
	}
	return nil
}

func (s *Store) ListFrames(ctx context.Context, exchangeID uint64, from string, limit int) ([]domain.WebSocketFrame, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[exchangeID]
	if !ok {
		return nil, "", nil
	}
	start := 0
	if from != "" {
		for i := range e.frames {
			if e.frames[i].ID == from {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if limit <= 0 || end > len(e.frames) {
		end = len(e.frames)
	}
	next := ""
	if end < len(e.frames) && end > start {
		next = e.frames[end-1].ID
	}
	out := make([]domain.WebSocketFrame, end-start)
	copy(out, e.frames[start:end])
	return out, next, nil
}

func (s *Store) evictLocked() int {
	evicted := 0
	if s.maxAge > 0 {
		now := time.Now()
		for len(s.order) > 0 {
			id := s.order[0]
			e := s.items[id]
			if e != nil && now.Sub(e.createdAt) <= s.maxAge {
				break
			}
			delete(s.items, id)
			s.order = s.order[1:]
			evicted++
		}
	}
	if s.maxExchanges > 0 {
		for len(s.order) >= s.maxExchanges {
			id := s.order[0]
			delete(s.items, id)
			s.order = s.order[1:]
			evicted++
		}
	}
	return evicted
}

func headMatches(h domain.Head, q string) bool {
	status := ""
	if h.Status != 0 {
		status = strconv.Itoa(h.Status)
	}
	row := strings.ToLower(h.URI + " " + h.Method + " " + status + " " + h.Mime)
	return strings.Contains(row, strings.ToLower(q))
}

// exchangeMatches extends search beyond the summary row into headers and
// captured body text.
func exchangeMatches(ex *domain.Exchange, q string) bool {
	q = strings.ToLower(q)
	return headersContain(ex.ReqHeaders, q) || headersContain(ex.ResHeaders, q) ||
		bodyContains(ex.ReqBody, q) || bodyContains(ex.ResBody, q)
}

func headersContain(h *domain.Headers, q string) bool {
	if h == nil {
		return false
	}
	for _, item := range h.Items {
		if strings.Contains(item.Name, q) || strings.Contains(strings.ToLower(item.Value), q) {
			return true
		}
	}
	return false
}

func bodyContains(b *domain.Body, q string) bool {
	if b == nil || !utf8.Valid(b.Data) {
		return false
	}
	return strings.Contains(strings.ToLower(string(b.Data)), q)
}
