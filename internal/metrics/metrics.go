// Package metrics exposes Prometheus instrumentation for the matching
// engine: a singleton Collector holding CounterVec/GaugeVec/Counter/
// Gauge fields, registered once via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	OrdersPlaced    *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	TradeVolumeCents *prometheus.CounterVec
	MintedShares    prometheus.Counter
	OrdersCancelled prometheus.Counter
	ResolutionPayoutCents prometheus.Counter
	ActiveMarketEngines prometheus.Gauge
	OrderbookDepth  *prometheus.GaugeVec
	TransientSkips  prometheus.Counter
}

func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_placed_total",
			Help: "Orders placed, by order_type.",
		}, []string{"order_type"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_executed_total",
			Help: "Trades executed, by kind (MATCH/MINT).",
		}, []string{"kind"}),
		TradeVolumeCents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trade_volume_cents_total",
			Help: "Cumulative trade volume in cents, by market.",
		}, []string{"market_id"}),
		MintedShares: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_minted_shares_total",
			Help: "Total shares created via the minting engine (one per side per mint).",
		}),
		OrdersCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_cancelled_total",
			Help: "Orders cancelled by owner, resolution, or delete.",
		}),
		ResolutionPayoutCents: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_resolution_payout_cents_total",
			Help: "Cumulative resolution payout cents credited to winners.",
		}),
		ActiveMarketEngines: f.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_active_market_engines",
			Help: "Number of running per-market engine goroutines.",
		}),
		OrderbookDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exchange_orderbook_depth",
			Help: "Resting order count, by market and side.",
		}, []string{"market_id", "side"}),
		TransientSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_transient_skips_total",
			Help: "Fill and mint attempts skipped due to a counterparty's insufficient balance at execution time.",
		}),
	}
}

// Noop returns a Collector wired to an isolated registry, for use in
// tests and any caller that does not want to touch the default
// registry.
func Noop() *Collector {
	return New(prometheus.NewRegistry())
}
