package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/infrastructure/venue"
	"github.com/betbot/spotcycle/internal/ports"
)

var userLog = logrus.WithField("component", "account_feed")

// resumeSlack 断线重连对账时向前多取的时间，覆盖本地与交易所的时钟偏差
const resumeSlack = 2 * time.Second

// UserCredentials 私有流凭据
type UserCredentials struct {
	APIKey string
	Secret string
}

type authMessage struct {
	Op        string `json:"op"`
	APIKey    string `json:"apiKey"`
	TS        string `json:"ts"`
	Signature string `json:"signature"`
}

type authReply struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type orderMessage struct {
	Channel       string          `json:"channel"`
	Event         string          `json:"event"`
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Pair          string          `json:"pair"`
	Side          string          `json:"side"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FillPrice     decimal.Decimal `json:"fillPrice"`
	FillSize      decimal.Decimal `json:"fillSize"`
	TS            int64           `json:"ts"`
}

// UserFeed 账户订单流：认证握手后订阅订单事件；每次握手成功后先经 SessionGate 对账，
// 对账完成前该会话的事件不会被读取。
type UserFeed struct {
	pair    string
	creds   UserCredentials
	handler ports.AccountEventHandler
	gate    ports.SessionGate
	now     func() time.Time
}

// NewUserFeed 创建账户流会话
func NewUserFeed(pair string, creds UserCredentials, handler ports.AccountEventHandler, gate ports.SessionGate) *UserFeed {
	return &UserFeed{pair: pair, creds: creds, handler: handler, gate: gate, now: time.Now}
}

// Handshake 认证并订阅 orders 频道
func (f *UserFeed) Handshake(ctx context.Context, conn *websocket.Conn) error {
	ts := strconv.FormatInt(f.now().UnixMilli(), 10)
	auth := authMessage{
		Op:        "auth",
		APIKey:    f.creds.APIKey,
		TS:        ts,
		Signature: venue.Sign(f.creds.Secret, ts+"auth"),
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		var reply authReply
		if err := conn.ReadJSON(&reply); err != nil {
			return fmt.Errorf("read auth reply: %w", err)
		}
		if reply.Event != "auth" {
			continue
		}
		if !reply.Success {
			return fmt.Errorf("auth rejected: %s", reply.Message)
		}
		break
	}
	userLog.Info("🔐 私有流认证成功")
	return conn.WriteJSON(subscribeMessage{Op: "subscribe", Channel: "orders", Pair: f.pair})
}

// Ready 对账闸门
func (f *UserFeed) Ready(ctx context.Context, since time.Time) error {
	if f.gate == nil {
		return nil
	}
	if !since.IsZero() {
		since = since.Add(-resumeSlack)
	}
	if err := f.gate.Reconcile(ctx, since); err != nil {
		// 部分失败已在对账里记录；仍然继续处理实时事件，下次断线再补
		userLog.WithError(err).Warn("重连对账未完全成功")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Handle 把订单消息转换为账户事件
func (f *UserFeed) Handle(ctx context.Context, msg []byte) error {
	ev, ok, err := f.decode(msg)
	if err != nil || !ok {
		return err
	}
	return f.handler.OnAccountEvent(ctx, ev)
}

func (f *UserFeed) decode(msg []byte) (events.AccountEvent, bool, error) {
	var m orderMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, false, fmt.Errorf("decode order: %w", err)
	}
	if m.Channel != "orders" {
		return nil, false, nil
	}
	if m.Pair != f.pair || m.OrderID == "" {
		return nil, false, nil
	}
	side := domain.Side(strings.ToLower(m.Side))
	if !side.Valid() {
		return nil, false, fmt.Errorf("unknown side %q", m.Side)
	}
	ts := f.now()
	if m.TS > 0 {
		ts = time.UnixMilli(m.TS)
	}

	switch strings.ToLower(m.Status) {
	case "new", "open", "accepted":
		return events.OrderAccepted{
			OrderID: m.OrderID, ClientID: m.ClientOrderID, Side: side,
			Price: m.Price, Size: m.Size, Time: ts,
		}, true, nil
	case "filled":
		price, size := m.FillPrice, m.FillSize
		if !price.IsPositive() {
			price = m.Price
		}
		if !size.IsPositive() {
			size = m.Size
		}
		if !price.IsPositive() || !size.IsPositive() {
			return nil, false, fmt.Errorf("filled order %s without price/size", m.OrderID)
		}
		return events.FromFill(domain.Fill{
			OrderID: m.OrderID, ClientID: m.ClientOrderID, Pair: m.Pair,
			Side: side, Price: price, Size: size, Time: ts,
		}), true, nil
	case "cancelled", "canceled":
		return events.OrderCancelled{OrderID: m.OrderID, ClientID: m.ClientOrderID, Side: side, Time: ts}, true, nil
	default:
		userLog.Debugf("忽略订单状态 %s: order=%s", m.Status, m.OrderID)
		return nil, false, nil
	}
}
