package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/spotcycle/internal/domain"
)

var log = logrus.WithField("component", "journal")

// Journal 已实现盈亏台账（SQLite）。同一笔卖单只记一次。
type Journal struct {
	db *sql.DB
}

// Totals 台账汇总
type Totals struct {
	Trades int64           `json:"trades"`
	Profit decimal.Decimal `json:"profit"`
}

// Open 打开（必要时创建）台账数据库
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS realized_trades (
  sell_order_id TEXT PRIMARY KEY,
  buy_order_id TEXT NOT NULL,
  pair TEXT NOT NULL,
  buy_price TEXT NOT NULL,
  sell_price TEXT NOT NULL,
  size TEXT NOT NULL,
  profit TEXT NOT NULL,
  closed_at_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_realized_trades_closed ON realized_trades(pair, closed_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Record 写入一笔往返交易；重复的卖单号被忽略
func (j *Journal) Record(ctx context.Context, t domain.RealizedTrade) error {
	res, err := j.db.ExecContext(ctx, `
INSERT OR IGNORE INTO realized_trades
  (sell_order_id, buy_order_id, pair, buy_price, sell_price, size, profit, closed_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		t.SellOrderID, t.BuyOrderID, t.Pair,
		t.BuyPrice.String(), t.SellPrice.String(), t.Size.String(), t.Profit.String(),
		t.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.SellOrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debugf("重复的往返记录已忽略: sell=%s", t.SellOrderID)
	}
	return nil
}

// Recent 按平仓时间倒序返回最近的往返交易
func (j *Journal) Recent(ctx context.Context, limit int) ([]domain.RealizedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT sell_order_id, buy_order_id, pair, buy_price, sell_price, size, profit, closed_at_ms
FROM realized_trades ORDER BY closed_at_ms DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RealizedTrade
	for rows.Next() {
		var (
			t                                 domain.RealizedTrade
			buyPrice, sellPrice, size, profit string
			closedMs                          int64
		)
		if err := rows.Scan(&t.SellOrderID, &t.BuyOrderID, &t.Pair, &buyPrice, &sellPrice, &size, &profit, &closedMs); err != nil {
			return nil, err
		}
		t.BuyPrice, _ = decimal.NewFromString(buyPrice)
		t.SellPrice, _ = decimal.NewFromString(sellPrice)
		t.Size, _ = decimal.NewFromString(size)
		t.Profit, _ = decimal.NewFromString(profit)
		t.ClosedAt = time.UnixMilli(closedMs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Totals 返回记录数与累计利润。利润以字符串存储，在这里按 decimal 求和以避免浮点误差。
func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT profit FROM realized_trades;`)
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()

	out := Totals{Profit: decimal.Zero}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return Totals{}, err
		}
		p, err := decimal.NewFromString(s)
		if err != nil {
			return Totals{}, fmt.Errorf("bad profit %q: %w", s, err)
		}
		out.Trades++
		out.Profit = out.Profit.Add(p)
	}
	return out, rows.Err()
}

// Close 关闭数据库
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
