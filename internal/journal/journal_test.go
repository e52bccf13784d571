package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/spotcycle/internal/domain"
)

func trade(sell string, profit string, closed time.Time) domain.RealizedTrade {
	return domain.RealizedTrade{
		Pair:        "BTC-USDT",
		BuyOrderID:  "b-" + sell,
		SellOrderID: sell,
		BuyPrice:    decimal.RequireFromString("100"),
		SellPrice:   decimal.RequireFromString("100.2"),
		Size:        decimal.RequireFromString("0.01"),
		Profit:      decimal.RequireFromString(profit),
		ClosedAt:    closed,
	}
}

func TestRecordIsIdempotentPerSellOrder(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()

	t0 := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, j.Record(ctx, trade("s-1", "0.002", t0)))
	require.NoError(t, j.Record(ctx, trade("s-1", "0.002", t0)))
	require.NoError(t, j.Record(ctx, trade("s-2", "0.0035", t0.Add(time.Minute))))

	tot, err := j.Totals(ctx)
	require.NoError(t, err)
	if tot.Trades != 2 {
		t.Fatalf("重复卖单应只记一次，实际记录 %d 条", tot.Trades)
	}
	assert.True(t, tot.Profit.Equal(decimal.RequireFromString("0.0055")), "profit=%s", tot.Profit)

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "s-2", recent[0].SellOrderID)
	assert.Equal(t, t0.Add(time.Minute), recent[0].ClosedAt)
	assert.True(t, recent[1].SellPrice.Equal(decimal.RequireFromString("100.2")))
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), trade("s-1", "0.002", time.Now())))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	tot, err := j.Totals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tot.Trades)
}

func TestEmptyTotals(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	tot, err := j.Totals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tot.Trades)
	assert.True(t, tot.Profit.IsZero())

	_, err = Open("")
	assert.Error(t, err)
}
