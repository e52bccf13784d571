package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/spotcycle/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSource struct {
	open     []domain.Order
	openErr  error
	fills    []domain.Fill
	fillsErr error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gotSince time.Time
}

func (f *fakeSource) enter() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.inFlight.Add(-1)
}

func (f *fakeSource) OpenOrders(ctx context.Context, pair string) ([]domain.Order, error) {
	f.enter()
	return f.open, f.openErr
}

func (f *fakeSource) FillsSince(ctx context.Context, pair string, since time.Time) ([]domain.Fill, error) {
	f.gotSince = since
	f.enter()
	return f.fills, f.fillsErr
}

func TestFetchRunsBothQueriesConcurrently(t *testing.T) {
	src := &fakeSource{open: []domain.Order{{OrderID: "o1"}}}
	e := NewEngine(src, "BTC-USDT", time.Second)
	res := e.Fetch(context.Background(), t0)

	require.NoError(t, res.OpenErr)
	assert.Len(t, res.Open, 1)
	assert.Equal(t, t0, src.gotSince)
	assert.Equal(t, int32(2), src.maxSeen.Load(), "两项查询应并发执行")
}

func TestFetchKeepsPartialResults(t *testing.T) {
	src := &fakeSource{open: []domain.Order{{OrderID: "o1"}}, fillsErr: errors.New("boom")}
	res := NewEngine(src, "BTC-USDT", time.Second).Fetch(context.Background(), t0)
	assert.NoError(t, res.OpenErr)
	assert.Error(t, res.FillsErr)
	assert.Len(t, res.Open, 1)
}

func TestAggregateVWAPAndSinceFilter(t *testing.T) {
	fills := []domain.Fill{
		{OrderID: "b1", Side: domain.SideBuy, Price: d("100"), Size: d("1"), Time: t0.Add(2 * time.Second)},
		{OrderID: "old", Side: domain.SideBuy, Price: d("90"), Size: d("1"), Time: t0.Add(-time.Second)},
		{OrderID: "b1", Side: domain.SideBuy, Price: d("102"), Size: d("1"), Time: t0.Add(3 * time.Second)},
		{OrderID: "s1", Side: domain.SideSell, Price: d("105"), Size: d("2"), Time: t0.Add(time.Second)},
		{OrderID: "", Side: domain.SideSell, Price: d("1"), Size: d("1"), Time: t0.Add(time.Second)},
		{OrderID: "edge", Side: domain.SideBuy, Price: d("1"), Size: d("1"), Time: t0},
	}
	out := Aggregate(fills, t0)
	require.Len(t, out, 2)

	assert.Equal(t, "s1", out[0].OrderID)
	assert.Equal(t, "b1", out[1].OrderID)
	assert.True(t, out[1].Price.Equal(d("101")), "VWAP 应为 101，实际 %s", out[1].Price)
	assert.True(t, out[1].Size.Equal(d("2")))
	assert.Equal(t, t0.Add(3*time.Second), out[1].Time)
}

func TestBuildPlan(t *testing.T) {
	tracked := Tracked{
		Orders: map[string]TrackedOrder{
			"sell-live":  {Role: "sell", KnownAt: t0.Add(-time.Minute)},
			"sell-gone":  {Role: "sell", KnownAt: t0.Add(-time.Minute)},
			"dca-fresh":  {Role: "dca", KnownAt: t0.Add(time.Second)},
			"aggr-known": {Role: "aggressive", KnownAt: t0.Add(-time.Second)},
		},
		Retiring:  map[string]TrackedOrder{"old-dca": {Role: "dca"}},
		ClientIDs: map[string]string{"sc-pending": "sell"},
	}
	res := Result{
		Since:     t0.Add(-time.Hour),
		StartedAt: t0,
		Open: []domain.Order{
			{OrderID: "sell-live"},
			{OrderID: "aggr-known"},
			{OrderID: "stranger", ClientID: "manual"},
			{OrderID: "just-placed", ClientID: "sc-pending"},
			{OrderID: "old-dca"},
		},
	}
	p := BuildPlan(tracked, res)

	assert.Equal(t, []string{"sell-gone"}, p.Missing, "抓取开始后才拿到 ID 的订单不算消失")
	require.Len(t, p.Orphans, 2)
	assert.Equal(t, "old-dca", p.Orphans[0].OrderID, "撤单未确认且仍挂着的订单再撤一次")
	assert.Equal(t, "stranger", p.Orphans[1].OrderID)
}

func TestBuildPlanSkipsMissingWhenFillsUnknown(t *testing.T) {
	tracked := Tracked{Orders: map[string]TrackedOrder{"sell-gone": {Role: "sell"}}}
	p := BuildPlan(tracked, Result{StartedAt: t0, FillsErr: errors.New("down"), Open: []domain.Order{{OrderID: "x"}}})
	assert.Empty(t, p.Missing)
	assert.Empty(t, p.Fills)
	assert.Equal(t, []string{"sell-gone"}, p.Gone, "成交未知时消失的订单只列入 Gone")
	assert.Len(t, p.Orphans, 1)

	p = BuildPlan(tracked, Result{StartedAt: t0, OpenErr: errors.New("down")})
	assert.True(t, p.Empty())
}

func TestBuildPlanHoldsBackFillsOfStillOpenOrders(t *testing.T) {
	tracked := Tracked{Orders: map[string]TrackedOrder{
		"aggr": {Role: "aggressive", KnownAt: t0.Add(-time.Minute)},
		"sell": {Role: "sell", KnownAt: t0.Add(-time.Minute)},
	}}
	fills := []domain.Fill{
		{OrderID: "aggr", Side: domain.SideBuy, Price: d("100"), Size: d("0.004"), Time: t0.Add(-time.Second)},
		{OrderID: "sell", Side: domain.SideSell, Price: d("101"), Size: d("0.002"), Time: t0.Add(-time.Second)},
		{OrderID: "done", Side: domain.SideBuy, Price: d("99"), Size: d("0.01"), Time: t0.Add(-time.Second)},
	}
	res := Result{
		Since:     t0.Add(-time.Hour),
		StartedAt: t0,
		Open:      []domain.Order{{OrderID: "aggr"}, {OrderID: "sell"}},
		Fills:     fills,
	}
	p := BuildPlan(tracked, res)

	require.Len(t, p.Fills, 1, "仍挂着的订单只是部分成交，不能当完整成交重放")
	assert.Equal(t, "done", p.Fills[0].OrderID)
	assert.ElementsMatch(t, []string{"aggr", "sell"}, p.StillOpen)
	assert.Empty(t, p.Missing)
	assert.Empty(t, p.Orphans)

	// 挂单列表未知时无法区分部分成交，整轮不重放
	res.OpenErr = errors.New("down")
	res.Open = nil
	p = BuildPlan(tracked, res)
	if len(p.Fills) != 0 {
		t.Fatalf("挂单抓取失败时不应重放成交，实际 %d 笔", len(p.Fills))
	}
}
