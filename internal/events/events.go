package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/domain"
)

// 推送载荷在 feed 边界处被校验并转换成下面这组封闭的事件类型，
// 控制器只处理这些类型，不再接触原始 JSON。

// PriceTick 最新成交价
type PriceTick struct {
	Pair  string
	Price decimal.Decimal
	Time  time.Time
}

// AccountEvent 账户流事件（封闭集合：OrderAccepted / BuyFilled / SellFilled / OrderCancelled）
type AccountEvent interface {
	accountEvent()
	// Ref 事件对应的订单（交易所 ID 与客户端 ID，任一可能为空）
	Ref() (orderID, clientID string)
	EventTime() time.Time
}

// OrderAccepted 交易所确认挂单（status=new）
type OrderAccepted struct {
	OrderID  string
	ClientID string
	Side     domain.Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	Time     time.Time
}

// BuyFilled 买单成交
type BuyFilled struct{ domain.Fill }

// SellFilled 卖单成交
type SellFilled struct{ domain.Fill }

// OrderCancelled 订单被撤销（主动撤单、交易所撤单均走这里）
type OrderCancelled struct {
	OrderID  string
	ClientID string
	Side     domain.Side
	Time     time.Time
}

func (OrderAccepted) accountEvent()  {}
func (BuyFilled) accountEvent()      {}
func (SellFilled) accountEvent()     {}
func (OrderCancelled) accountEvent() {}

func (e OrderAccepted) Ref() (string, string)  { return e.OrderID, e.ClientID }
func (e BuyFilled) Ref() (string, string)      { return e.OrderID, e.ClientID }
func (e SellFilled) Ref() (string, string)     { return e.OrderID, e.ClientID }
func (e OrderCancelled) Ref() (string, string) { return e.OrderID, e.ClientID }

func (e OrderAccepted) EventTime() time.Time  { return e.Time }
func (e BuyFilled) EventTime() time.Time      { return e.Fill.Time }
func (e SellFilled) EventTime() time.Time     { return e.Fill.Time }
func (e OrderCancelled) EventTime() time.Time { return e.Time }

// FromFill 按方向包装成交
func FromFill(f domain.Fill) AccountEvent {
	if f.Side == domain.SideSell {
		return SellFilled{Fill: f}
	}
	return BuyFilled{Fill: f}
}
