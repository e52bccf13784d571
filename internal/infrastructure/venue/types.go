package venue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/domain"
)

type placeOrderRequest struct {
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

type orderPayload struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Pair          string          `json:"pair"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Status        string          `json:"status"`
	CreatedAt     int64           `json:"ts"`
}

func (o orderPayload) toDomain(pair string) domain.Order {
	if o.Pair != "" {
		pair = o.Pair
	}
	status := domain.OrderStatus(o.Status)
	if status == "" || status == "new" {
		status = domain.OrderStatusOpen
	}
	out := domain.Order{
		OrderID:  o.OrderID,
		ClientID: o.ClientOrderID,
		Pair:     pair,
		Side:     domain.Side(o.Side),
		Price:    o.Price,
		Size:     o.Size,
		Status:   status,
	}
	if o.CreatedAt > 0 {
		out.CreatedAt = time.UnixMilli(o.CreatedAt)
	}
	return out
}

type fillPayload struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Pair          string          `json:"pair"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	TS            int64           `json:"ts"`
}

func (f fillPayload) toDomain(pair string) domain.Fill {
	if f.Pair != "" {
		pair = f.Pair
	}
	return domain.Fill{
		OrderID:  f.OrderID,
		ClientID: f.ClientOrderID,
		Pair:     pair,
		Side:     domain.Side(f.Side),
		Price:    f.Price,
		Size:     f.Size,
		Time:     time.UnixMilli(f.TS),
	}
}

type instrumentPayload struct {
	Pair           string          `json:"pair"`
	PriceIncrement decimal.Decimal `json:"priceIncrement"`
	SizeIncrement  decimal.Decimal `json:"sizeIncrement"`
	MinSize        decimal.Decimal `json:"minSize"`
}

type tickerPayload struct {
	Pair string          `json:"pair"`
	Last decimal.Decimal `json:"last"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
