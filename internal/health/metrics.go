package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds the Prometheus metrics exported on /metrics.
type MetricsRegistry struct {
	registry *prometheus.Registry

	Equity        *prometheus.GaugeVec
	DrawdownPct   *prometheus.GaugeVec
	RollingSharpe *prometheus.GaugeVec
	HitRate       *prometheus.GaugeVec
	InBandShare   *prometheus.GaugeVec
	TurnoverUSD   *prometheus.GaugeVec

	BarsProcessed *prometheus.CounterVec
	GuardVetoes   *prometheus.CounterVec
	Trades        *prometheus.CounterVec
	WSReconnects  prometheus.Counter
	FillDrops     prometheus.Counter
	SkippedTicks  prometheus.Counter
	EmitterDrops  *prometheus.CounterVec

	TickDuration *prometheus.HistogramVec
}

// NewMetricsRegistry builds and registers all engine metrics on a private
// registry so repeated construction in tests does not collide.
func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()
	m := &MetricsRegistry{
		registry: reg,

		Equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_equity_usd",
				Help: "Current paper equity in USD",
			},
			[]string{"timeframe"},
		),
		DrawdownPct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_drawdown_pct",
				Help: "Drawdown from session peak equity in percent",
			},
			[]string{"timeframe"},
		),
		RollingSharpe: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_rolling_sharpe",
				Help: "Annualized Sharpe over the rolling KPI window",
			},
			[]string{"timeframe"},
		),
		HitRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_hit_rate",
				Help: "Share of closed directional trades that were profitable",
			},
			[]string{"timeframe"},
		),
		InBandShare: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_in_band_share",
				Help: "Share of bars whose calibrated prediction stayed within the band",
			},
			[]string{"timeframe"},
		),
		TurnoverUSD: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfold_turnover_usd",
				Help: "Cumulative session traded notional in USD",
			},
			[]string{"timeframe"},
		),

		BarsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfold_bars_processed_total",
				Help: "Bars processed per timeframe",
			},
			[]string{"timeframe"},
		),
		GuardVetoes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfold_guard_vetoes_total",
				Help: "Guard chain vetoes by reason code",
			},
			[]string{"timeframe", "reason"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfold_trades_total",
				Help: "Paper trades by execution leg",
			},
			[]string{"timeframe", "leg"},
		),
		WSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantfold_ws_reconnects_total",
				Help: "Cohort fill stream reconnect attempts",
			},
		),
		FillDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantfold_fill_drops_total",
				Help: "Cohort fills dropped from the full ring queue",
			},
		),
		SkippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantfold_skipped_ticks_total",
				Help: "Driver ticks skipped after candle poll exhaustion",
			},
		),
		EmitterDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfold_emitter_drops_total",
				Help: "Log records dropped or demoted by the emitter",
			},
			[]string{"kind"},
		),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantfold_tick_duration_seconds",
				Help:    "Wall time of one driver iteration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"timeframe"},
		),
	}

	reg.MustRegister(
		m.Equity,
		m.DrawdownPct,
		m.RollingSharpe,
		m.HitRate,
		m.InBandShare,
		m.TurnoverUSD,
		m.BarsProcessed,
		m.GuardVetoes,
		m.Trades,
		m.WSReconnects,
		m.FillDrops,
		m.SkippedTicks,
		m.EmitterDrops,
		m.TickDuration,
	)
	return m
}

// Publish pushes one tracker snapshot into the gauges.
func (m *MetricsRegistry) Publish(timeframe string, s Snapshot) {
	m.Equity.WithLabelValues(timeframe).Set(s.Equity)
	m.DrawdownPct.WithLabelValues(timeframe).Set(s.DrawdownPct)
	m.RollingSharpe.WithLabelValues(timeframe).Set(s.RollingSharpe)
	m.HitRate.WithLabelValues(timeframe).Set(s.HitRate)
	m.InBandShare.WithLabelValues(timeframe).Set(s.InBandShare)
	m.TurnoverUSD.WithLabelValues(timeframe).Set(s.TurnoverUSD)
}

// Handler serves the private registry for the /metrics endpoint.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
