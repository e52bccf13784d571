package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/ports"
)

const (
	testKey    = "k-1"
	testSecret = "s-1"
	testPair   = "BTC-USDT"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// venueServer 校验签名后把请求交给 handler
func venueServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instruments/BTC-USDT", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"pair":"BTC-USDT","priceIncrement":"0.1","sizeIncrement":"0.001","minSize":"0.001"}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := Sign(testSecret, r.Header.Get(headerTS)+r.Method+r.URL.RequestURI()+string(body))
		if r.Header.Get(headerKey) != testKey || r.Header.Get(headerSign) != want {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":"auth","message":"bad signature"}`)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL:      srv.URL,
		APIKey:       testKey,
		APISecret:    testSecret,
		Pair:         testPair,
		Timeout:      2 * time.Second,
		Retries:      2,
		RetryWait:    5 * time.Millisecond,
		RetryMaxWait: 20 * time.Millisecond,
	})
}

func TestPlaceOrderNormalizesAndSigns(t *testing.T) {
	var got placeOrderRequest
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId": "o-1", "clientOrderId": got.ClientOrderID, "side": got.Side,
			"price": got.Price, "size": got.Size, "status": "new",
		})
	})
	c := newTestClient(srv)

	o, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Pair: testPair, Side: domain.SideBuy, Price: d("100.27"), Size: d("0.0109"), ClientID: "sc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "100.2", got.Price, "买单价格向下取整到 tick")
	assert.Equal(t, "0.01", got.Size)
	assert.Equal(t, "sc-1", got.ClientOrderID)
	assert.Equal(t, "o-1", o.OrderID)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.True(t, o.Price.Equal(d("100.2")))
}

func TestPlaceOrderSellRoundsUp(t *testing.T) {
	var got placeOrderRequest
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"orderId":"o-2"}`)
	})
	c := newTestClient(srv)
	o, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Pair: testPair, Side: domain.SideSell, Price: d("100.21"), Size: d("0.01"), ClientID: "sc-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "100.3", got.Price)
	assert.True(t, o.Price.Equal(d("100.3")), "回显缺失时使用取整后的请求值")
	assert.Equal(t, "sc-2", o.ClientID)
}

func TestPlaceOrderBelowMinSizeRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c := newTestClient(srv)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Pair: testPair, Side: domain.SideBuy, Price: d("100"), Size: d("0.0004"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRejected))
	assert.Equal(t, int32(0), calls.Load())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"pair":"BTC-USDT","last":"101.5"}`)
	})
	c := newTestClient(srv)
	p, err := c.LastPrice(context.Background(), testPair)
	require.NoError(t, err)
	assert.True(t, p.Equal(d("101.5")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustedIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(srv)
	_, err := c.OpenOrders(context.Background(), testPair)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrTransient), "err=%v", err)
	assert.Equal(t, int32(3), calls.Load(), "1 次请求 + 2 次重试")
}

func TestBusinessRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"insufficient_balance","message":"not enough USDT"}`)
	})
	c := newTestClient(srv)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Pair: testPair, Side: domain.SideBuy, Price: d("100"), Size: d("1"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRejected))
	assert.Contains(t, err.Error(), "not enough USDT")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelNotFound(t *testing.T) {
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/orders/o-9", r.URL.Path)
		assert.Equal(t, testPair, r.URL.Query().Get("pair"))
		assert.Equal(t, "sc-9", r.URL.Query().Get("clientOrderId"))
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(srv)
	err := c.CancelOrder(context.Background(), "o-9", "sc-9")
	assert.True(t, errors.Is(err, ports.ErrNotFound), "err=%v", err)
}

func TestUnknownPair(t *testing.T) {
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(srv)
	_, err := c.Instrument(context.Background(), "NOPE-USDT")
	assert.True(t, errors.Is(err, ports.ErrUnknownPair), "err=%v", err)
}

func TestInstrumentIsCached(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instruments/BTC-USDT", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"pair":"BTC-USDT","priceIncrement":"0.01","sizeIncrement":"0.0001","minSize":"0.0001"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(srv)

	for i := 0; i < 3; i++ {
		inst, err := c.Instrument(context.Background(), testPair)
		require.NoError(t, err)
		assert.True(t, inst.PriceIncrement.Equal(d("0.01")))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFillsSince(t *testing.T) {
	since := time.UnixMilli(1_700_000_000_000)
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000000000", r.URL.Query().Get("since"))
		_, _ = io.WriteString(w, `[
			{"orderId":"o-1","clientOrderId":"sc-1","side":"buy","price":"100","size":"0.004","ts":1700000001000},
			{"orderId":"o-1","clientOrderId":"sc-1","side":"buy","price":"101","size":"0.006","ts":1700000002000}
		]`)
	})
	c := newTestClient(srv)
	fills, err := c.FillsSince(context.Background(), testPair, since)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, domain.SideBuy, fills[0].Side)
	assert.Equal(t, "sc-1", fills[1].ClientID)
	assert.Equal(t, time.UnixMilli(1700000002000), fills[1].Time)
	assert.Equal(t, testPair, fills[0].Pair)
}

func TestOpenOrders(t *testing.T) {
	srv := venueServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testPair, r.URL.Query().Get("pair"))
		_, _ = io.WriteString(w, `[{"orderId":"o-1","clientOrderId":"sc-1","side":"sell","price":"100.2","size":"0.01"},{"clientOrderId":"broken"}]`)
	})
	c := newTestClient(srv)
	orders, err := c.OpenOrders(context.Background(), testPair)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	assert.Equal(t, domain.OrderStatusOpen, orders[0].Status)
}
