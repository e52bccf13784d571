package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/spotcycle/internal/cycle"
	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/journal"
)

type fixedStatus cycle.Status

func (f fixedStatus) Status() cycle.Status { return cycle.Status(f) }

type fixedAges map[string]time.Duration

func (f fixedAges) Ages() map[string]time.Duration { return f }

type fakeTrades struct{ items []domain.RealizedTrade }

func (f fakeTrades) Totals(context.Context) (journal.Totals, error) {
	out := journal.Totals{Profit: decimal.Zero}
	for _, t := range f.items {
		out.Trades++
		out.Profit = out.Profit.Add(t.Profit)
	}
	return out, nil
}

func (f fakeTrades) Recent(_ context.Context, limit int) ([]domain.RealizedTrade, error) {
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthzReportsCycleAndFeeds(t *testing.T) {
	s, err := New(Config{
		Status: fixedStatus{Pair: "BTC-USDT", Phase: cycle.PhaseHolding, SellSlots: 2, Active: true},
		Feeds:  fixedAges{"market": 2 * time.Second, "account": time.Second},
		Trades: fakeTrades{items: []domain.RealizedTrade{{SellOrderID: "s-1", Profit: decimal.RequireFromString("0.002")}}},
	})
	require.NoError(t, err)

	code, body := get(t, s.Router(), "/healthz")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	cyc := body["cycle"].(map[string]any)
	assert.Equal(t, "BTC-USDT", cyc["pair"])
	assert.Equal(t, float64(2), cyc["sell_slots"])
	feeds := body["feeds"].(map[string]any)
	assert.Equal(t, true, feeds["market"].(map[string]any)["connected"])
	trades := body["trades"].(map[string]any)
	assert.Equal(t, float64(1), trades["trades"])
}

func TestHealthzNotOKWhenFeedDown(t *testing.T) {
	s, err := New(Config{
		Status:     fixedStatus{Pair: "BTC-USDT"},
		Feeds:      fixedAges{"market": -1, "account": time.Second},
		StaleAfter: 30 * time.Second,
	})
	require.NoError(t, err)
	code, body := get(t, s.Router(), "/healthz")
	require.Equal(t, http.StatusOK, code)
	if body["ok"] != false {
		t.Fatalf("行情流断开时 ok 应为 false: %v", body)
	}

	s, _ = New(Config{Status: fixedStatus{}, Feeds: fixedAges{"market": time.Minute}, StaleAfter: 30 * time.Second})
	_, body = get(t, s.Router(), "/healthz")
	assert.Equal(t, false, body["ok"], "静默超时也应判为不健康")
}

func TestTradesAndMetrics(t *testing.T) {
	items := []domain.RealizedTrade{{SellOrderID: "s-2"}, {SellOrderID: "s-1"}}
	s, err := New(Config{Status: fixedStatus{}, Trades: fakeTrades{items: items}})
	require.NoError(t, err)
	h := s.Router()

	code, body := get(t, h, "/api/trades?limit=1")
	require.Equal(t, http.StatusOK, code)
	list := body["trades"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "s-2", list[0].(map[string]any)["sell_order_id"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	raw, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(raw), "reconcile_runs_total")

	s, _ = New(Config{Status: fixedStatus{}})
	code, _ = get(t, s.Router(), "/api/trades")
	assert.Equal(t, http.StatusNotFound, code)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestPprofRoutesOnlyWhenEnabled(t *testing.T) {
	off, _ := New(Config{Status: fixedStatus{}})
	rec := httptest.NewRecorder()
	off.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未开启 pprof 时应返回 404，实际 %d", rec.Code)
	}

	on, _ := New(Config{Status: fixedStatus{}, EnablePprof: true})
	rec = httptest.NewRecorder()
	on.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine?debug=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestStartAsyncServesUntilCancelled(t *testing.T) {
	s, err := New(Config{Status: fixedStatus{Pair: "BTC-USDT"}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	addr, err := s.StartAsync(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/api/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/api/status")
		if err == nil {
			_ = r.Body.Close()
		}
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}
