package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBelowMinSize 取整后的数量低于交易所最小下单量
var ErrBelowMinSize = errors.New("size below instrument minimum")

// Instrument 交易对元数据
type Instrument struct {
	Pair           string          `json:"pair"`
	PriceIncrement decimal.Decimal `json:"price_increment"`
	SizeIncrement  decimal.Decimal `json:"size_increment"`
	MinSize        decimal.Decimal `json:"min_size"`
}

// RoundPrice 把价格对齐到 tick：买单向下取整（不追高），卖单向上取整（不低于目标利润）
func (i Instrument) RoundPrice(side Side, price decimal.Decimal) decimal.Decimal {
	step := i.PriceIncrement
	if !step.IsPositive() {
		return price
	}
	units := price.Div(step)
	if side == SideSell {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(step)
}

// RoundSize 数量向下对齐到 lot
func (i Instrument) RoundSize(size decimal.Decimal) decimal.Decimal {
	step := i.SizeIncrement
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// Normalize 对下单请求做取整，并检查最小下单量
func (i Instrument) Normalize(req OrderRequest) (OrderRequest, error) {
	req.Price = i.RoundPrice(req.Side, req.Price)
	req.Size = i.RoundSize(req.Size)
	if !req.Price.IsPositive() {
		return req, fmt.Errorf("price %s rounds to zero for %s", req.Price, i.Pair)
	}
	if !req.Size.IsPositive() || (i.MinSize.IsPositive() && req.Size.LessThan(i.MinSize)) {
		return req, fmt.Errorf("%w: size=%s min=%s", ErrBelowMinSize, req.Size, i.MinSize)
	}
	return req, nil
}
