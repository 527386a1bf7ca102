package usecase

import (
	"context"

	"github.com/ez-captcha/ez-shark/internal/domain"
)

type ExchangeRepository interface {
	// CreateExchange assigns the global id and returns it. Ids are handed
	// out in the order requests finish parsing, across all connections.
	CreateExchange(ctx context.Context, ex domain.Exchange) (uint64, error)
	GetExchange(ctx context.Context, id uint64) (domain.Exchange, bool, error)
	UpdateExchange(ctx context.Context, id uint64, fn func(*domain.Exchange)) error
	ListExchanges(ctx context.Context, f ExchangeFilter) ([]domain.Head, int, error)
	ClearExchanges(ctx context.Context) error
}

type FrameRepository interface {
	AppendFrame(ctx context.Context, exchangeID uint64, f domain.WebSocketFrame) error
	ListFrames(ctx context.Context, exchangeID uint64, from string, limit int) ([]domain.WebSocketFrame, string, error)
}

// ExchangeFilter narrows and pages ListExchanges results. Q matches the
// summary row (uri, method, status, mime) the way interactive search does.
type ExchangeFilter struct {
	Q       string
	State   *domain.TransactionState
	SinceID uint64
	Limit   int
	Offset  int
}
