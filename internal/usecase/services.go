package usecase

import (
	"context"

	"github.com/ez-captcha/ez-shark/internal/domain"
)

// TrafficService fronts the repositories for the tunnel engine and the
// control surface.
type TrafficService struct {
	exchanges ExchangeRepository
	frames    FrameRepository
}

func NewTrafficService(e ExchangeRepository, f FrameRepository) *TrafficService {
	return &TrafficService{exchanges: e, frames: f}
}

func (s *TrafficService) Create(ctx context.Context, ex domain.Exchange) (uint64, error) {
	return s.exchanges.CreateExchange(ctx, ex)
}

func (s *TrafficService) Get(ctx context.Context, id uint64) (domain.Exchange, bool, error) {
	return s.exchanges.GetExchange(ctx, id)
}

func (s *TrafficService) Update(ctx context.Context, id uint64, fn func(*domain.Exchange)) error {
	return s.exchanges.UpdateExchange(ctx, id, fn)
}

func (s *TrafficService) List(ctx context.Context, f ExchangeFilter) ([]domain.Head, int, error) {
	return s.exchanges.ListExchanges(ctx, f)
}

func (s *TrafficService) Clear(ctx context.Context) error {
	return s.exchanges.ClearExchanges(ctx)
}

func (s *TrafficService) AddFrame(ctx context.Context, exchangeID uint64, f domain.WebSocketFrame) error {
	return s.frames.AppendFrame(ctx, exchangeID, f)
}

func (s *TrafficService) ListFrames(ctx context.Context, exchangeID uint64, from string, limit int) ([]domain.WebSocketFrame, string, error) {
	return s.frames.ListFrames(ctx, exchangeID, from, limit)
}

// Fail marks an exchange terminally failed, accumulating the error text.
func (s *TrafficService) Fail(ctx context.Context, id uint64, kind domain.FailureKind, msg string) error {
	return s.exchanges.UpdateExchange(ctx, id, func(ex *domain.Exchange) {
		if ex.State.Terminal() {
			return
		}
		ex.State = domain.StateFailed
		ex.FailureKind = kind
		ex.AddError(msg)
	})
}
