// Package driver runs the closed per-bar loop for one timeframe instance:
// poll candle, drain cohort fills, fetch funding, build features, predict,
// combine across timeframes, guard, size, execute on paper, and emit the
// stream logs. The driver goroutine owns every piece of business state;
// only the fill ring is shared with the WS consumer.
package driver

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/bandit"
	"github.com/quantfold/quantfold/internal/cohort"
	"github.com/quantfold/quantfold/internal/combine"
	"github.com/quantfold/quantfold/internal/config"
	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/emit"
	"github.com/quantfold/quantfold/internal/ensemble"
	"github.com/quantfold/quantfold/internal/exec"
	"github.com/quantfold/quantfold/internal/features"
	"github.com/quantfold/quantfold/internal/guards"
	"github.com/quantfold/quantfold/internal/health"
	"github.com/quantfold/quantfold/internal/ingest"
	"github.com/quantfold/quantfold/internal/model"
	"github.com/quantfold/quantfold/internal/risk"
	"github.com/quantfold/quantfold/internal/rollup"
	"github.com/quantfold/quantfold/internal/signal"
	"github.com/quantfold/quantfold/internal/store"
	"github.com/quantfold/quantfold/internal/venue"
)

// maxFillDrainPerTick caps one iteration's queue drain so a backlog cannot
// starve the candle poll.
const maxFillDrainPerTick = 5000

const fundingTimeout = 15 * time.Second

// publicTapeLimit bounds one REST backfill of recent public trades.
const publicTapeLimit = 100

// Deps are the collaborators a driver needs. Venue and Emitter are
// required; the rest may be nil and are replaced with inert defaults.
type Deps struct {
	Cfg      *config.Config
	Venue    venue.Venue
	Ring     *ingest.FillRing
	Consumer *ingest.Consumer
	Emitter  *emit.Emitter
	Model    *model.Runtime
	Metrics  *health.MetricsRegistry
	Archiver *store.Archiver
	Now      func() time.Time
}

// Driver is one timeframe instance of the engine.
type Driver struct {
	cfg  *config.Config
	tf   domain.Timeframe
	now  func() time.Time
	deps Deps

	acc       *cohort.Accumulator
	weights   cohort.Weights
	rollups   *rollup.Engine
	computers map[domain.Timeframe]*features.Computer
	runtime   *model.Runtime
	gen       *signal.Generator
	combiner  *combine.Combiner
	selector  *bandit.Selector
	blender   *ensemble.Blender
	chain     *guards.Chain
	sizer     *risk.Sizer
	executor  *exec.Executor
	tracker   *health.Tracker

	overlayTFs []domain.Timeframe

	lastBarTs    int64
	lastPublicTs int64
	prevClose    float64
	lastFunding  domain.FundingSnapshot
	lastArm      string
	barsSeen     int

	// last published lifetime totals, for prometheus counter deltas
	pubWSReconnects int64
	pubFillDrops    int64
	pubQueueDrops   int64
	pubDemoted      int64
}

// New assembles a driver from config. It does not touch the network.
func New(d Deps) *Driver {
	cfg := d.Cfg
	tf := domain.Timeframe(cfg.Data.Interval)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Model == nil {
		d.Model = model.Load(cfg.Model.ManifestPath)
	}

	barInterval := time.Duration(tf.Minutes()) * time.Minute
	acc := cohort.New(cohort.Config{
		BarInterval:  barInterval,
		Window:       cfg.Cohort.Window,
		ADV20USD:     cfg.Data.ADV20USD,
		NormalizeADV: cfg.Cohort.NormalizeADV,
		DecayEnabled: cfg.Cohort.DecayEnabled,
		HalfLife:     cfg.Cohort.DecayHalfLife(),
		TFHours:      tf.Hours(),
	})

	var overlayTFs []domain.Timeframe
	windows := make(map[domain.Timeframe]int)
	if cfg.Overlay.Enabled {
		for _, s := range cfg.Overlay.Timeframes {
			otf := domain.Timeframe(s)
			overlayTFs = append(overlayTFs, otf)
			windows[otf] = cfg.Overlay.RollupWindows[s]
		}
	}

	computers := map[domain.Timeframe]*features.Computer{tf: features.NewComputer(0)}
	for _, otf := range overlayTFs {
		computers[otf] = features.NewComputer(0)
	}

	overrides := make(map[domain.Timeframe]signal.Thresholds, len(cfg.Overlay.SignalThresholds))
	for s, th := range cfg.Overlay.SignalThresholds {
		overrides[domain.Timeframe(s)] = signal.Thresholds(th)
	}

	combinerCfg := combine.Config{
		Weights:             make(map[domain.Timeframe]float64, len(cfg.Overlay.Weights)),
		OverrideMinAlpha:    cfg.Alignment.OverrideMinAlpha,
		ConflictMinAlpha:    cfg.Alignment.ConflictMinAlpha,
		HalveOn1hOpposition: cfg.Alignment.HalveOn1hOpposition,
		ConflictBandMult:    cfg.Alignment.ConflictBandMult,
	}
	for s, w := range cfg.Overlay.Weights {
		combinerCfg.Weights[domain.Timeframe(s)] = w
	}
	if cfg.Alignment.Require5m15mAgreement {
		combinerCfg.Required = []domain.Timeframe{domain.TF5m, domain.TF15m}
	}
	if cfg.Alignment.Allow1hOverride {
		combinerCfg.OverrideTF = domain.TF1h
	}

	var selector *bandit.Selector
	if cfg.Execution.Bandit.Enabled {
		selector = bandit.New(bandit.Config{
			Epsilon:        cfg.Execution.Bandit.Epsilon,
			ModelOptimism:  cfg.Execution.Bandit.ModelOptimism,
			CheckpointPath: cfg.Execution.Bandit.CheckpointPath,
		}, d.Now().UnixNano())
	}

	var blender *ensemble.Blender
	if cfg.Ensemble.EnableBMA {
		blender = ensemble.New(ensemble.Config{
			ICWindow: cfg.Ensemble.BMA.ICWindowBars,
			Kappa:    cfg.Ensemble.BMA.Kappa,
			Freeze:   cfg.Ensemble.BMA.Freeze,
		})
	}

	chain := guards.NewChain(guards.Config{
		MicroEnabled:        cfg.Micro.Enable,
		MaxSpreadBps:        cfg.Micro.MaxSpreadBps,
		FundingGuardBias:    cfg.RiskControls.FundingGuardBias,
		MinSignFlipGapS:     cfg.RiskControls.MinSignFlipGapS,
		DeltaPiMinBps:       cfg.RiskControls.DeltaPiMinBps,
		MaxOrdersPerSec:     cfg.RiskControls.MaxOrdersPerSec,
		ADVOrderCap:         cfg.RiskControls.ADVOrderCap,
		ADVHourCap:          cfg.RiskControls.ADVHourCap,
		MaxImpactBps:        cfg.RiskControls.MaxImpactBps,
		ImpactK:             cfg.Risk.ImpactK,
		BaseNotional:        cfg.Risk.BaseNotional,
		MaxImpactBpsHard:    cfg.Risk.MaxImpactBpsHard,
		EnableNetEdgeGating: cfg.Risk.EnableNetEdgeGating,
		MinNetEdgeBps:       cfg.Risk.MinNetEdgeBps,
		MaxTotalCostBps:     cfg.Risk.MaxTotalCostBps,
		CostBps:             cfg.Risk.CostBps,
		SlippageBps:         cfg.Risk.SlippageBps,
		BandBps:             cfg.Calibration.BandBps,
	})

	sizer := risk.NewSizer(risk.Config{
		SigmaTarget:          cfg.Risk.SigmaTarget,
		PosMax:               cfg.Risk.PosMax,
		CooldownBars:         cfg.Risk.CooldownBars,
		BarMinutes:           cfg.Risk.BarMinutes,
		VolFloor:             cfg.Risk.VolFloor,
		RebalanceMinPosDelta: cfg.Risk.RebalanceMinPosDelta,
		DailyStopDDPct:       cfg.Risk.DailyStopDDPct,
		WarmupSkipBars:       cfg.Risk.WarmupSkipBars,
		DayBoundaryTZ:        cfg.Risk.DayBoundaryTZ,
	})

	executor := exec.New(exec.Config{
		Mode:                    cfg.Execution.Mode,
		PassiveTimeoutS:         cfg.Execution.PassiveTimeoutS,
		BaseNotional:            cfg.Risk.BaseNotional,
		CostBps:                 cfg.Risk.CostBps,
		SlippageBps:             cfg.Risk.SlippageBps,
		ImpactK:                 cfg.Risk.ImpactK,
		ADVCapPct:               cfg.Risk.ADVCapPct,
		StartingEquity:          cfg.Paper.StartingEquity,
		EnableForcedExits:       cfg.Risk.EnableForcedExits,
		MaxPositionDurationBars: cfg.Risk.MaxPositionDurationBars,
		StopLossBps:             cfg.Risk.StopLossBps,
		TakeProfitBps:           cfg.Risk.TakeProfitBps,
	})

	weights := cohort.Weights{
		Pros:     cfg.Cohort.Weights["pros"],
		Amateurs: cfg.Cohort.Weights["amateurs"],
		Mood:     cfg.Cohort.Weights["mood"],
	}

	window := cfg.Execution.HealthEmitEveryBars * 24
	if window <= 0 {
		window = 288
	}
	tracker := health.NewTracker(window, float64(cfg.Risk.BarMinutes), cfg.Paper.StartingEquity)
	tracker.SetDegraded(d.Model.Degraded())

	return &Driver{
		cfg:        cfg,
		tf:         tf,
		now:        d.Now,
		deps:       d,
		acc:        acc,
		weights:    weights,
		rollups:    rollup.NewEngine(windows),
		computers:  computers,
		runtime:    d.Model,
		gen:        signal.NewGenerator(signal.Thresholds(cfg.Thresholds), overrides),
		combiner:   combine.New(combinerCfg),
		selector:   selector,
		blender:    blender,
		chain:      chain,
		sizer:      sizer,
		executor:   executor,
		tracker:    tracker,
		overlayTFs: overlayTFs,
	}
}

// Health returns the current KPI snapshot for /healthz.
func (d *Driver) Health() health.Snapshot { return d.tracker.Snapshot() }

// Run executes the loop until ctx is cancelled. One-shot and offline modes
// exit after a single iteration.
func (d *Driver) Run(ctx context.Context) error {
	d.loadFilters(ctx)

	sleep := time.Duration(d.tf.Minutes()) * time.Minute / 10
	if sleep < time.Second {
		sleep = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		start := d.now()
		d.Step(ctx)
		if d.deps.Metrics != nil {
			d.deps.Metrics.TickDuration.WithLabelValues(string(d.tf)).
				Observe(d.now().Sub(start).Seconds())
		}
		if config.OneShot() || config.Offline() {
			return nil
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil
		}
	}
}

// loadFilters installs venue precision filters, best effort on first use.
func (d *Driver) loadFilters(ctx context.Context) {
	if config.Offline() {
		return
	}
	f, err := d.deps.Venue.ExchangeInfo(ctx, d.cfg.Data.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("exchange filters unavailable, trading unclamped")
		return
	}
	d.executor.SetFilters(f)
}

// Step runs one driver iteration. Exported for one-shot mode and tests.
func (d *Driver) Step(ctx context.Context) {
	if config.Offline() {
		d.emitHeartbeat()
		return
	}

	bar, ok := d.pollCandle(ctx)
	if !ok {
		return
	}

	drained := d.drainFills(ctx)
	funding := d.pollFunding(ctx)
	book := d.pollBook(ctx)

	bar.Funding = funding.Rate
	if bar.SpreadBps == 0 {
		bar.SpreadBps = book.SpreadBps()
	}

	d.barsSeen++
	bar.BarID = int64(d.barsSeen)

	barReturnBps := 0.0
	if d.prevClose > 0 {
		barReturnBps = (bar.Close/d.prevClose - 1) * 10000.0
	}

	// advance features on the base bar and any completed rollups
	emitted := d.rollups.Push(bar)
	snap := d.acc.Snapshot()
	d.computers[d.tf].Push(bar)
	for otf, obar := range emitted {
		if c, ok := d.computers[otf]; ok {
			c.Push(obar)
		}
	}

	feats := d.computers[d.tf].Compute(snap)
	vec := features.Vector(feats, d.runtime.Schema)
	pred := d.runtime.Infer(vec)

	baseScore := pred.SModel
	probScore := clamp(pred.CalBps()/10000.0, -1, 1)
	ensembleScore := d.ensembleScore(baseScore, probScore, barReturnBps)

	// bandit reward for the previous selection, then this bar's pick
	eligible := d.eligibleArms(snap, baseScore, ensembleScore)
	if d.selector != nil {
		_, stillEligible := eligible[d.lastArm]
		d.selector.Update(barReturnBps, stillEligible)
	}
	effScore, chosenArm, banditWeights := d.pickScore(eligible, ensembleScore)

	predEff := pred
	predEff.SModel = clamp(effScore, -1, 1)
	calBps := predEff.CalBps()

	signals := d.buildSignals(predEff, bar.BarID, snap, emitted)
	decision := d.decide(signals, predEff, calBps, chosenArm, banditWeights)

	d.trade(bar, book, funding, decision, calBps, drained, barReturnBps, feats, signals, pred, predEff)
	d.prevClose = bar.Close
}

// pollCandle returns the newest closed bar, skipping non-advancing polls
// and data anomalies.
func (d *Driver) pollCandle(ctx context.Context) (domain.Bar, bool) {
	bars, err := d.deps.Venue.Klines(ctx, d.cfg.Data.Symbol, d.tf, 2)
	if err != nil {
		d.tracker.IncSkippedTick()
		if d.deps.Metrics != nil {
			d.deps.Metrics.SkippedTicks.Inc()
		}
		log.Warn().Err(err).Msg("candle poll failed, tick skipped")
		return domain.Bar{}, false
	}
	if len(bars) == 0 {
		return domain.Bar{}, false
	}
	bar := bars[len(bars)-1]
	if bar.TsMS <= d.lastBarTs {
		return domain.Bar{}, false
	}
	d.lastBarTs = bar.TsMS
	return bar, true
}

// drainFills moves queued cohort fills into the accumulator. When the drain
// yields no public-tape fills and the venue exposes one, recent public trades
// backfill the flow so the accumulator does not starve on a quiet stream.
func (d *Driver) drainFills(ctx context.Context) []domain.Fill {
	if d.deps.Ring == nil {
		return nil
	}
	fills := d.deps.Ring.Drain(maxFillDrainPerTick)
	now := d.now()
	sawPublic := false
	for _, f := range fills {
		if f.Source == domain.SourcePublic {
			sawPublic = true
		}
		d.acc.UpdateFromFill(f, d.weights, now)
	}
	if !sawPublic {
		fills = append(fills, d.backfillPublicTape(ctx, now)...)
	}
	return fills
}

// backfillPublicTape pulls recent public trades over REST, keeping only those
// newer than the last backfilled trade so repeated polls do not double-count.
func (d *Driver) backfillPublicTape(ctx context.Context, now time.Time) []domain.Fill {
	src, ok := d.deps.Venue.(venue.TradesSource)
	if !ok {
		return nil
	}
	trades, err := src.AggTrades(ctx, d.cfg.Data.Symbol, publicTapeLimit)
	if err != nil {
		log.Warn().Err(err).Msg("public tape backfill failed")
		return nil
	}
	fresh := trades[:0]
	for _, f := range trades {
		if f.TsMS <= d.lastPublicTs {
			continue
		}
		d.lastPublicTs = f.TsMS
		d.acc.UpdateFromFill(f, d.weights, now)
		fresh = append(fresh, f)
	}
	return fresh
}

// pollFunding fetches the funding rate; failures fall back to the last
// known value flagged stale.
func (d *Driver) pollFunding(ctx context.Context) domain.FundingSnapshot {
	fctx, cancel := context.WithTimeout(ctx, fundingTimeout)
	defer cancel()
	snap, err := d.deps.Venue.PremiumIndex(fctx, d.cfg.Data.Symbol)
	if err != nil {
		d.tracker.IncStaleFunding()
		stale := d.lastFunding
		stale.Stale = true
		return stale
	}
	d.lastFunding = snap
	return snap
}

func (d *Driver) pollBook(ctx context.Context) domain.BookTicker {
	book, err := d.deps.Venue.BookTicker(ctx, d.cfg.Data.Symbol)
	if err != nil {
		log.Debug().Err(err).Msg("book ticker poll failed")
		return domain.BookTicker{}
	}
	return book
}

// ensembleScore applies the configured source, observing the realized
// return for the online blend.
func (d *Driver) ensembleScore(baseScore, probScore, barReturnBps float64) float64 {
	if d.blender != nil {
		d.blender.Observe(baseScore, probScore, barReturnBps/10000.0)
	}
	switch d.cfg.Ensemble.Source {
	case "stacked":
		return probScore
	case "bma":
		if d.blender != nil {
			return d.blender.Blend(baseScore, probScore)
		}
	}
	return baseScore
}

// eligibleArms maps each arm to its raw signal this bar. Arms with no
// signal are left out and cannot be selected.
func (d *Driver) eligibleArms(snap cohort.Snapshot, baseScore, ensembleScore float64) map[string]float64 {
	eligible := make(map[string]float64, len(bandit.Arms))
	if snap.Pros != 0 {
		eligible[bandit.ArmPros] = clamp(snap.Pros, -1, 1)
	}
	if snap.Amateurs != 0 {
		eligible[bandit.ArmAmateurs] = clamp(snap.Amateurs, -1, 1)
	}
	if !d.runtime.Degraded() {
		eligible[bandit.ArmModelMeta] = baseScore
		if d.blender != nil {
			eligible[bandit.ArmModelBMA] = ensembleScore
		}
	}
	return eligible
}

// pickScore selects the effective score source for this bar.
func (d *Driver) pickScore(eligible map[string]float64, ensembleScore float64) (float64, string, map[string]float64) {
	if d.selector == nil {
		return ensembleScore, "", nil
	}
	arm, weights := d.selector.Select(eligible)
	d.lastArm = arm
	if arm == "" {
		return ensembleScore, "", weights
	}
	return eligible[arm], arm, weights
}

// buildSignals generates the base signal plus overlay signals for every
// ready rollup timeframe.
func (d *Driver) buildSignals(predEff domain.Prediction, barID int64, snap cohort.Snapshot, emitted map[domain.Timeframe]domain.Bar) map[domain.Timeframe]domain.Signal {
	signals := map[domain.Timeframe]domain.Signal{
		d.tf: d.gen.Generate(predEff, d.tf, barID),
	}
	if !d.cfg.Execution.UseOverlay {
		return signals
	}
	for _, otf := range d.overlayTFs {
		c := d.computers[otf]
		if c == nil || !d.rollups.Ready(otf, d.cfg.Overlay.MinBarsReady) {
			continue
		}
		feats := c.Compute(snap)
		pred := d.runtime.Infer(features.Vector(feats, d.runtime.Schema))
		signals[otf] = d.gen.Generate(pred, otf, barID)
	}
	return signals
}

// decide combines the per-timeframe signals into one decision and stamps
// the bandit diagnostics.
func (d *Driver) decide(signals map[domain.Timeframe]domain.Signal, predEff domain.Prediction, calBps float64, chosenArm string, banditWeights map[string]float64) domain.Decision {
	var dec domain.Decision
	if d.cfg.Execution.UseOverlay && len(signals) > 1 {
		dec = d.combiner.Combine(signals, calBps, d.cfg.Calibration.BandBps)
	} else {
		sig := signals[d.tf]
		dec = domain.Decision{Direction: sig.Direction, Alpha: sig.Alpha}
	}
	dec.Details.ChosenArm = chosenArm
	dec.Details.BanditWeights = banditWeights
	overlay := make(map[string]domain.Signal, len(signals))
	for otf, s := range signals {
		overlay[string(otf)] = s
	}
	dec.Details.Overlay = overlay
	return dec
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
