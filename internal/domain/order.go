package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 是否为已知方向
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order 订单领域模型。Price/Size 为交易所回显值（已按 tick/lot 取整）。
type Order struct {
	OrderID   string          `json:"order_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Pair      string          `json:"pair"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderRequest 下单请求
type OrderRequest struct {
	Pair     string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	ClientID string
}

// Fill 一笔成交。交易所成交历史按逐笔返回，重放前会按订单聚合（VWAP）。
type Fill struct {
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id,omitempty"`
	Pair     string          `json:"pair"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Time     time.Time       `json:"time"`
}

// Notional 成交额
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Size)
}
