package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/betbot/spotcycle/internal/ports"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_orders_placed_total",
		Help: "Orders accepted by the venue, by role.",
	}, []string{"role"})

	OrderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_order_errors_total",
		Help: "Failed place/cancel calls, by role and error kind.",
	}, []string{"role", "kind"})

	Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_fills_total",
		Help: "Fills applied to the cycle state, by side and source (live|replay).",
	}, []string{"side", "source"})

	RealizedProfit = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cycle_realized_profit",
		Help: "Realized profit accumulator in quote currency.",
	})

	SellSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cycle_sell_slots",
		Help: "Open take-profit sell orders tracked locally.",
	})

	Phase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cycle_phase",
		Help: "1 for the current cycle phase, 0 otherwise.",
	}, []string{"phase"})

	ReconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Reconciliation passes started.",
	})

	ReconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_errors_total",
		Help: "Reconciliation passes that completed with at least one failed fetch.",
	})

	ReconcileMissedFills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_missed_fills_total",
		Help: "Fills found during reconciliation that were not yet reflected locally.",
	})

	ReconcileMissing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_missing_total",
		Help: "Tracked orders found absent from the venue's open orders.",
	})

	ReconcileOrphans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_orphans_total",
		Help: "Untracked open orders cancelled by reconciliation.",
	})

	FeedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_reconnects_total",
		Help: "Streaming reconnections, by feed.",
	}, []string{"feed"})

	SnapshotSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_saves_total",
		Help: "State snapshots written.",
	})

	SnapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_errors_total",
		Help: "State snapshot writes that failed.",
	})
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrderErrors, Fills, RealizedProfit, SellSlots, Phase)
	prometheus.MustRegister(ReconcileRuns, ReconcileErrors, ReconcileMissedFills, ReconcileMissing, ReconcileOrphans)
	prometheus.MustRegister(FeedReconnects, SnapshotSaves, SnapshotErrors)
}

// ErrorKind 把网关错误归类成低基数标签
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ports.ErrRejected):
		return "rejected"
	case errors.Is(err, ports.ErrNotFound):
		return "not_found"
	case errors.Is(err, ports.ErrTransient):
		return "transient"
	default:
		return "other"
	}
}

// SetPhase 只把当前阶段置 1
func SetPhase(current string, all ...string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		Phase.WithLabelValues(p).Set(v)
	}
}
