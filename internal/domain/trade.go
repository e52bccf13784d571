package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RealizedTrade 一次完整的买入→卖出往返
type RealizedTrade struct {
	Pair        string          `json:"pair"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	Size        decimal.Decimal `json:"size"`
	Profit      decimal.Decimal `json:"profit"`
	ClosedAt    time.Time       `json:"closed_at"`
}
