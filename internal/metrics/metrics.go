// Package metrics registers the engine's operational gauges and counters and
// serves them on a minimal HTTP listener.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's instruments on a private registry so tests
// can wire isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal        prometheus.Counter
	TickOverruns      prometheus.Counter
	StaleSnapshots    *prometheus.CounterVec
	SignalsGenerated  prometheus.Counter
	SignalsExecuted   prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	OpenPositions     prometheus.Gauge
	UnrealizedPnL     prometheus.Gauge
	DailyRealizedPnL  prometheus.Gauge
	OrphanKills       prometheus.Counter
	ReconcileSweeps   prometheus.Counter
	ReconcileFlagged  prometheus.Gauge
	FeedState         prometheus.Gauge
	AllocationWeights *prometheus.GaugeVec

	server *http.Server
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_market_ticks_total", Help: "Market ticks processed.",
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tick_overruns_total", Help: "Market ticks that outran their cadence.",
		}),
		StaleSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stale_snapshots_total", Help: "Snapshots rejected as stale.",
		}, []string{"symbol"}),
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_generated_total", Help: "Signals produced by strategies.",
		}),
		SignalsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_executed_total", Help: "Signals that became positions.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_rejected_total", Help: "Signals rejected, by reason.",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions", Help: "Currently open positions.",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_unrealized_pnl", Help: "Aggregate unrealized PnL.",
		}),
		DailyRealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_daily_realized_pnl", Help: "Realized PnL today.",
		}),
		OrphanKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orphan_kills_total", Help: "Broker orphans closed by the reconciler.",
		}),
		ReconcileSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconcile_sweeps_total", Help: "Reconciliation sweeps run.",
		}),
		ReconcileFlagged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_reconcile_flagged", Help: "Engine positions flagged without a broker match.",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_feed_connected", Help: "1 while the push feed is connected.",
		}),
		AllocationWeights: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_allocation_weight", Help: "Current allocation per meta-group.",
		}, []string{"group"}),
	}
	reg.MustRegister(
		m.TicksTotal, m.TickOverruns, m.StaleSnapshots, m.SignalsGenerated,
		m.SignalsExecuted, m.SignalsRejected, m.OpenPositions, m.UnrealizedPnL,
		m.DailyRealizedPnL, m.OrphanKills, m.ReconcileSweeps, m.ReconcileFlagged,
		m.FeedState, m.AllocationWeights,
	)
	return m
}

// Serve starts the /metrics and /healthz listener.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m.server.ListenAndServe()
}

// Shutdown stops the listener.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
