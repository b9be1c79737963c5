package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/config"
	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/emit"
	"github.com/quantfold/quantfold/internal/exec"
	"github.com/quantfold/quantfold/internal/health"
	"github.com/quantfold/quantfold/internal/ingest"
	"github.com/quantfold/quantfold/internal/model"
	"github.com/quantfold/quantfold/internal/venue"
)

// writeBars produces a gently trending JSONL capture.
func writeBars(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	px := 50000.0
	base := int64(1_700_000_000_000)
	for i := 0; i < n; i++ {
		drift := 1 + 0.0004*math.Sin(float64(i)/7)
		open := px
		px *= drift
		hi := math.Max(open, px) * 1.0002
		lo := math.Min(open, px) * 0.9998
		bar := domain.Bar{
			TsMS: base + int64(i+1)*300_000,
			Open: open, High: hi, Low: lo, Close: px,
			Volume:  10 + float64(i%5),
			Funding: 0.0001,
		}
		b, err := json.Marshal(bar)
		require.NoError(t, err)
		fmt.Fprintln(f, string(b))
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Emitter.Root = t.TempDir()
	cfg.Emitter.Async = false
	cfg.Emitter.SamplingRate = 1
	cfg.Execution.Bandit.CheckpointPath = filepath.Join(t.TempDir(), "bandit.json")
	cfg.Execution.HealthEmitEveryBars = 4
	cfg.Model.ManifestPath = filepath.Join(t.TempDir(), "missing.json")
	cfg.Risk.WarmupSkipBars = 5
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestDriver(t *testing.T, cfg *config.Config, bars int) (*Driver, *emit.Emitter, *ingest.FillRing) {
	t.Helper()
	rv, err := venue.NewReplay(writeBars(t, bars), exec.Filters{})
	require.NoError(t, err)

	em, err := emit.New(emit.Config{
		Root: cfg.Emitter.Root, Asset: cfg.Data.Symbol, RunID: "test-run",
		SamplingRate: 1, RetryAttempts: 1, TimeZone: cfg.Emitter.TimeZone,
	})
	require.NoError(t, err)

	ring := ingest.NewFillRing(64)
	d := New(Deps{
		Cfg:     cfg,
		Venue:   rv,
		Ring:    ring,
		Emitter: em,
		Model:   model.Load(cfg.Model.ManifestPath), // degrades neutral
		Metrics: health.NewMetricsRegistry(),
		Now:     func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	return d, em, ring
}

func countStream(t *testing.T, root, stream string) int {
	t.Helper()
	total := 0
	filepath.Walk(filepath.Join(root, stream), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 1<<16), 1<<16)
		for sc.Scan() {
			total++
		}
		return nil
	})
	return total
}

func TestStepAdvancesOncePerBar(t *testing.T) {
	cfg := testConfig(t)
	d, em, _ := newTestDriver(t, cfg, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d.Step(ctx)
	}
	// replay exhausted: further steps are non-advancing no-ops
	d.Step(ctx)
	d.Step(ctx)
	em.Close(time.Second)

	assert.Equal(t, 10, d.barsSeen)
	assert.Equal(t, 10, countStream(t, cfg.Emitter.Root, emit.StreamMarketIngest))
	assert.Equal(t, 10, countStream(t, cfg.Emitter.Root, emit.StreamSignals))
	assert.Equal(t, 10, countStream(t, cfg.Emitter.Root, emit.StreamOrderIntent))
}

func TestNeutralModelHoldsFlatThroughWarmup(t *testing.T) {
	cfg := testConfig(t)
	d, em, _ := newTestDriver(t, cfg, 60)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		d.Step(ctx)
	}
	em.Close(time.Second)

	pos := d.executor.Position()
	assert.True(t, pos.Flat())
	assert.InDelta(t, cfg.Paper.StartingEquity, d.executor.Equity(50000), 1e-6)
	assert.True(t, d.Health().NeutralDegraded)
	assert.Equal(t, 0, countStream(t, cfg.Emitter.Root, emit.StreamExecution))
}

func TestFillsDrainIntoCohortState(t *testing.T) {
	cfg := testConfig(t)
	d, em, ring := newTestDriver(t, cfg, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ring.Push(domain.Fill{
			TsMS: 1_700_000_000_000 + int64(i), Address: "0xabc", TID: fmt.Sprintf("t%d", i),
			Symbol: cfg.Data.Symbol, Side: domain.SideBuy, Price: 50000, Size: 1,
			Source: domain.SourceUser,
		})
	}
	d.Step(ctx)
	em.Close(time.Second)

	assert.Equal(t, 0, ring.Len())
	snap := d.acc.Snapshot()
	assert.Greater(t, snap.Pros, 0.0)
}

func TestHealthStreamEmittedEveryN(t *testing.T) {
	cfg := testConfig(t)
	d, em, _ := newTestDriver(t, cfg, 12)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		d.Step(ctx)
	}
	em.Close(time.Second)

	// every 4 bars over 12 bars
	assert.Equal(t, 3, countStream(t, cfg.Emitter.Root, emit.StreamHealth))
	assert.Equal(t, 3, countStream(t, cfg.Emitter.Root, emit.StreamKPIScorecard))
}

func readStream(t *testing.T, root, stream string) []map[string]any {
	t.Helper()
	var recs []map[string]any
	filepath.Walk(filepath.Join(root, stream), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 1<<16), 1<<16)
		for sc.Scan() {
			var rec map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			recs = append(recs, rec)
		}
		return nil
	})
	return recs
}

func TestHealthSurfacesRingDrops(t *testing.T) {
	cfg := testConfig(t)
	d, em, ring := newTestDriver(t, cfg, 4)
	ctx := context.Background()

	// overflow the 64-slot ring so drop-oldest kicks in
	for i := 0; i < 80; i++ {
		ring.Push(domain.Fill{
			TsMS: 1_700_000_000_000 + int64(i), Address: "0xabc", TID: fmt.Sprintf("t%d", i),
			Symbol: cfg.Data.Symbol, Side: domain.SideBuy, Price: 50000, Size: 1,
			Source: domain.SourceUser,
		})
	}
	require.Greater(t, ring.Dropped(), int64(0))

	for i := 0; i < 4; i++ {
		d.Step(ctx)
	}
	em.Close(time.Second)

	recs := readStream(t, cfg.Emitter.Root, emit.StreamHealth)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(ring.Dropped()), recs[0]["fill_drops"])
	assert.Equal(t, float64(ring.Dropped()), float64(d.Health().FillDrops))

	// the counter carries the same lifetime total and repeated syncs
	// publish deltas, not re-adds
	assert.Equal(t, float64(ring.Dropped()), testutil.ToFloat64(d.deps.Metrics.FillDrops))
	d.syncTransportStats()
	assert.Equal(t, float64(ring.Dropped()), testutil.ToFloat64(d.deps.Metrics.FillDrops))
	assert.Zero(t, testutil.ToFloat64(d.deps.Metrics.EmitterDrops.WithLabelValues("queue")))
}

// tapeVenue layers a canned public tape over the replay venue.
type tapeVenue struct {
	venue.Venue
	fills []domain.Fill
	calls int
}

func (v *tapeVenue) AggTrades(context.Context, string, int) ([]domain.Fill, error) {
	v.calls++
	return v.fills, nil
}

func TestPublicTapeBackfillOnQuietStream(t *testing.T) {
	cfg := testConfig(t)
	d, _, ring := newTestDriver(t, cfg, 4)
	tape := &tapeVenue{Venue: d.deps.Venue, fills: []domain.Fill{
		{TsMS: 10, TID: "a1", Symbol: cfg.Data.Symbol, Side: domain.SideBuy, Price: 50000, Size: 1, Source: domain.SourcePublic},
		{TsMS: 20, TID: "a2", Symbol: cfg.Data.Symbol, Side: domain.SideSell, Price: 50001, Size: 2, Source: domain.SourcePublic},
	}}
	d.deps.Venue = tape
	ctx := context.Background()

	// empty ring: the tape backfills
	fills := d.drainFills(ctx)
	require.Len(t, fills, 2)
	assert.Equal(t, domain.SourcePublic, fills[0].Source)

	// same tape again: everything is stale, nothing double-counts
	assert.Empty(t, d.drainFills(ctx))

	// a public fill on the ring suppresses the REST call
	calls := tape.calls
	ring.Push(domain.Fill{TsMS: 30, TID: "w1", Symbol: cfg.Data.Symbol, Side: domain.SideBuy, Price: 50002, Size: 1, Source: domain.SourcePublic})
	fills = d.drainFills(ctx)
	require.Len(t, fills, 1)
	assert.Equal(t, calls, tape.calls)
}

func TestDryRunNeverTrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Execution.DryRun = true
	cfg.Risk.WarmupSkipBars = 0
	d, em, _ := newTestDriver(t, cfg, 60)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		d.Step(ctx)
	}
	em.Close(time.Second)
	assert.True(t, d.executor.Position().Flat())
}

func TestReplayVenueExhaustionIsNonAdvancing(t *testing.T) {
	rv, err := venue.NewReplay(writeBars(t, 2), exec.Filters{})
	require.NoError(t, err)
	ctx := context.Background()

	b1, err := rv.Klines(ctx, "X", domain.TF5m, 2)
	require.NoError(t, err)
	b2, err := rv.Klines(ctx, "X", domain.TF5m, 2)
	require.NoError(t, err)
	assert.Greater(t, b2[len(b2)-1].TsMS, b1[len(b1)-1].TsMS)

	b3, err := rv.Klines(ctx, "X", domain.TF5m, 2)
	require.NoError(t, err)
	assert.Equal(t, b2[len(b2)-1].TsMS, b3[len(b3)-1].TsMS)
	assert.True(t, rv.Exhausted())
}
