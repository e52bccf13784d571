package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/infrastructure/venue"
)

const testPair = "BTC-USDT"

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

type tickRecorder struct {
	mu    sync.Mutex
	ticks []events.PriceTick
}

func (r *tickRecorder) OnPriceTick(_ context.Context, t events.PriceTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
	return nil
}

func (r *tickRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.AccountEvent
}

func (r *eventRecorder) OnAccountEvent(_ context.Context, ev events.AccountEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// blockingGate 记录每次对账的 since，并在 release 之前阻塞
type blockingGate struct {
	mu      sync.Mutex
	sinces  []time.Time
	release chan struct{}
}

func (g *blockingGate) Reconcile(ctx context.Context, since time.Time) error {
	g.mu.Lock()
	g.sinces = append(g.sinces, since)
	ch := g.release
	g.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *blockingGate) calls() []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Time(nil), g.sinces...)
}

func TestMarketFeedDeliversTicksForPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, "trades", sub.Channel)
		assert.Equal(t, testPair, sub.Pair)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribed"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"trades","pair":"ETH-USDT","price":"3000","ts":1700000000000}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"trades","pair":"BTC-USDT","price":"100.5","ts":1700000000000}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &tickRecorder{}
	c := NewClient(Options{Name: "market", URL: wsURL(srv), MinDelay: 10 * time.Millisecond}, NewMarketFeed(testPair, rec))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	tick := rec.ticks[0]
	rec.mu.Unlock()
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, time.UnixMilli(1700000000000), tick.Time)

	// ping 控制帧：服务端读循环会自动回 pong
	before := c.LastSeen()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Ping())
	require.Eventually(t, func() bool { return c.LastSeen().After(before) }, time.Second, 5*time.Millisecond)
}

func TestUserFeedAuthenticatesAndGatesOnReconcile(t *testing.T) {
	creds := UserCredentials{APIKey: "k-1", Secret: "s-1"}
	var sessionsMu sync.Mutex
	sessions := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var auth authMessage
		require.NoError(t, conn.ReadJSON(&auth))
		ok := auth.APIKey == creds.APIKey && auth.Signature == venue.Sign(creds.Secret, auth.TS+"auth")
		_ = conn.WriteJSON(authReply{Event: "auth", Success: ok})
		if !ok {
			return
		}
		var sub subscribeMessage
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "orders", sub.Channel)

		sessionsMu.Lock()
		sessions++
		n := sessions
		sessionsMu.Unlock()

		// 订阅后立即推送：客户端必须等对账完成后才处理
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"orders","orderId":"o-1","clientOrderId":"sc-1","pair":"BTC-USDT","side":"buy","status":"filled","price":"100","size":"0.01","fillPrice":"99.9","fillSize":"0.01","ts":1700000000000}`))
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			return // 第一个会话断开，触发重连
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	gate := &blockingGate{release: make(chan struct{})}
	c := NewClient(Options{Name: "account", URL: wsURL(srv), MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		NewUserFeed(testPair, creds, rec, gate))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return len(gate.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.len(), "对账完成前不应处理事件")
	assert.True(t, gate.calls()[0].IsZero(), "首个会话没有可续接的时间点")

	close(gate.release)
	require.Eventually(t, func() bool { return rec.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(gate.calls()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, gate.calls()[1].IsZero(), "重连后从上一会话的最后时间点对账")

	rec.mu.Lock()
	fill, ok := rec.events[0].(events.BuyFilled)
	rec.mu.Unlock()
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("99.9")))
	assert.Equal(t, "sc-1", fill.ClientID)
}

func TestUserFeedDecode(t *testing.T) {
	f := NewUserFeed(testPair, UserCredentials{}, nil, nil)
	cases := []struct {
		name string
		msg  string
		want any
	}{
		{"accepted", `{"channel":"orders","orderId":"o","clientOrderId":"c","pair":"BTC-USDT","side":"sell","status":"new","price":"1","size":"2"}`, events.OrderAccepted{}},
		{"sell filled", `{"channel":"orders","orderId":"o","pair":"BTC-USDT","side":"sell","status":"filled","price":"1","size":"2"}`, events.SellFilled{}},
		{"cancelled", `{"channel":"orders","orderId":"o","pair":"BTC-USDT","side":"buy","status":"canceled"}`, events.OrderCancelled{}},
		{"other pair", `{"channel":"orders","orderId":"o","pair":"ETH-USDT","side":"buy","status":"filled","price":"1","size":"1"}`, nil},
		{"partial", `{"channel":"orders","orderId":"o","pair":"BTC-USDT","side":"buy","status":"partially_filled"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok, err := f.decode([]byte(tc.msg))
			require.NoError(t, err)
			if tc.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.IsType(t, tc.want, ev)
		})
	}

	_, _, err := f.decode([]byte(`{"channel":"orders","orderId":"o","pair":"BTC-USDT","side":"hold","status":"new"}`))
	assert.Error(t, err)

	ev, _, _ := f.decode([]byte(`{"channel":"orders","orderId":"o","pair":"BTC-USDT","side":"BUY","status":"filled","price":"100","size":"1","ts":1}`))
	fill := ev.(events.BuyFilled)
	assert.Equal(t, domain.SideBuy, fill.Side)
	assert.Equal(t, time.UnixMilli(1), fill.Time)
}
