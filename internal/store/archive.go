// Package store mirrors KPI scorecards and equity marks into Postgres for
// offline analysis. The archiver is optional: an empty DSN yields a no-op,
// and a full buffer drops rather than blocking the driver.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/health"
)

const schema = `
CREATE TABLE IF NOT EXISTS kpi_scorecard (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	timeframe   TEXT        NOT NULL,
	bar_id      BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	equity      DOUBLE PRECISION NOT NULL,
	peak_equity DOUBLE PRECISION NOT NULL,
	drawdown_pct DOUBLE PRECISION NOT NULL,
	rolling_sharpe DOUBLE PRECISION NOT NULL,
	hit_rate    DOUBLE PRECISION NOT NULL,
	in_band_share DOUBLE PRECISION NOT NULL,
	turnover_usd DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS kpi_scorecard_run_tf_idx ON kpi_scorecard (run_id, timeframe, bar_id);
`

const insertKPI = `
INSERT INTO kpi_scorecard (
	run_id, timeframe, bar_id, recorded_at, equity, peak_equity,
	drawdown_pct, rolling_sharpe, hit_rate, in_band_share, turnover_usd
) VALUES (
	:run_id, :timeframe, :bar_id, :recorded_at, :equity, :peak_equity,
	:drawdown_pct, :rolling_sharpe, :hit_rate, :in_band_share, :turnover_usd
)`

// Row is one archived scorecard.
type Row struct {
	RunID       string    `db:"run_id"`
	Timeframe   string    `db:"timeframe"`
	BarID       int64     `db:"bar_id"`
	RecordedAt  time.Time `db:"recorded_at"`
	Equity      float64   `db:"equity"`
	PeakEquity  float64   `db:"peak_equity"`
	DrawdownPct float64   `db:"drawdown_pct"`
	Sharpe      float64   `db:"rolling_sharpe"`
	HitRate     float64   `db:"hit_rate"`
	InBandShare float64   `db:"in_band_share"`
	TurnoverUSD float64   `db:"turnover_usd"`
}

// Archiver is safe to use whether or not a database is configured.
type Archiver struct {
	db    *sqlx.DB
	runID string

	buf  chan Row
	done chan struct{}
}

// Open connects and prepares the schema. An empty DSN returns a no-op
// archiver and no error.
func Open(dsn, runID string, bufSize int) (*Archiver, error) {
	a := &Archiver{runID: runID}
	if dsn == "" {
		return a, nil
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	a.db = db
	a.buf = make(chan Row, bufSize)
	a.done = make(chan struct{})
	go a.loop()
	return a, nil
}

// Enabled reports whether a database is attached.
func (a *Archiver) Enabled() bool { return a.db != nil }

// Archive queues one snapshot; drops when the buffer is full.
func (a *Archiver) Archive(timeframe string, barID int64, s health.Snapshot) {
	if a.db == nil {
		return
	}
	row := Row{
		RunID:       a.runID,
		Timeframe:   timeframe,
		BarID:       barID,
		RecordedAt:  time.Now().UTC(),
		Equity:      s.Equity,
		PeakEquity:  s.PeakEquity,
		DrawdownPct: s.DrawdownPct,
		Sharpe:      s.RollingSharpe,
		HitRate:     s.HitRate,
		InBandShare: s.InBandShare,
		TurnoverUSD: s.TurnoverUSD,
	}
	select {
	case a.buf <- row:
	default:
		log.Debug().Str("timeframe", timeframe).Int64("bar_id", barID).
			Msg("kpi archive buffer full, row dropped")
	}
}

func (a *Archiver) loop() {
	defer close(a.done)
	for row := range a.buf {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := a.db.NamedExecContext(ctx, insertKPI, row); err != nil {
			log.Warn().Err(err).Msg("kpi archive insert failed")
		}
		cancel()
	}
}

// Close drains the buffer and closes the connection.
func (a *Archiver) Close() {
	if a.db == nil {
		return
	}
	close(a.buf)
	<-a.done
	a.db.Close()
}
