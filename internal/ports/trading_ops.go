package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/domain"
)

// 错误分类。网关返回的错误用 errors.Is 判别。
var (
	// ErrRejected 业务拒单（余额不足、参数非法、数量过小等），不得盲目重试
	ErrRejected = errors.New("order rejected by venue")
	// ErrTransient 网络/5xx/限流，在重试耗尽后返回
	ErrTransient = errors.New("transient venue error")
	// ErrNotFound 订单不存在（撤单时通常意味着已成交或已撤）
	ErrNotFound = errors.New("order not found")
	// ErrUnknownPair 交易对不存在（启动致命错误）
	ErrUnknownPair = errors.New("unknown pair")
)

// Small capability interfaces shared across layers (cycle/reconcile/infrastructure).

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID, clientID string) error
}

type OpenOrderLister interface {
	OpenOrders(ctx context.Context, pair string) ([]domain.Order, error)
}

type FillLister interface {
	FillsSince(ctx context.Context, pair string, since time.Time) ([]domain.Fill, error)
}

type LastPriceGetter interface {
	LastPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

type InstrumentGetter interface {
	Instrument(ctx context.Context, pair string) (domain.Instrument, error)
}

// Gateway 订单网关的完整能力集合
type Gateway interface {
	OrderPlacer
	OrderCanceler
	OpenOrderLister
	FillLister
	LastPriceGetter
	InstrumentGetter
}
