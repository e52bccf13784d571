package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/ports"
)

var marketLog = logrus.WithField("component", "market_feed")

type subscribeMessage struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Pair    string `json:"pair"`
}

type tradeMessage struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Pair    string          `json:"pair"`
	Price   decimal.Decimal `json:"price"`
	TS      int64           `json:"ts"`
}

// MarketFeed 公共成交流：只推送最新成交价，断线重连后不需要对账
type MarketFeed struct {
	pair    string
	handler ports.PriceTickHandler
}

// NewMarketFeed 创建行情流会话
func NewMarketFeed(pair string, handler ports.PriceTickHandler) *MarketFeed {
	return &MarketFeed{pair: pair, handler: handler}
}

// Handshake 订阅 trades 频道
func (f *MarketFeed) Handshake(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteJSON(subscribeMessage{Op: "subscribe", Channel: "trades", Pair: f.pair})
}

// Ready 行情流无需等待
func (f *MarketFeed) Ready(ctx context.Context, since time.Time) error { return nil }

// Handle 解析成交消息为 PriceTick
func (f *MarketFeed) Handle(ctx context.Context, msg []byte) error {
	tick, ok, err := f.decode(msg)
	if err != nil || !ok {
		return err
	}
	return f.handler.OnPriceTick(ctx, tick)
}

func (f *MarketFeed) decode(msg []byte) (events.PriceTick, bool, error) {
	var m tradeMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return events.PriceTick{}, false, fmt.Errorf("decode trade: %w", err)
	}
	if m.Channel != "trades" {
		if m.Event != "" {
			marketLog.Debugf("忽略控制消息: %s", m.Event)
		}
		return events.PriceTick{}, false, nil
	}
	if m.Pair != f.pair || !m.Price.IsPositive() {
		return events.PriceTick{}, false, nil
	}
	ts := time.Now()
	if m.TS > 0 {
		ts = time.UnixMilli(m.TS)
	}
	return events.PriceTick{Pair: m.Pair, Price: m.Price, Time: ts}, true, nil
}
