package driver

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/emit"
	"github.com/quantfold/quantfold/internal/exec"
	"github.com/quantfold/quantfold/internal/guards"
	"github.com/quantfold/quantfold/internal/health"
)

// trade runs the post-decision half of an iteration: guards, sizing, paper
// execution, health, and the stream logs.
func (d *Driver) trade(
	bar domain.Bar,
	book domain.BookTicker,
	funding domain.FundingSnapshot,
	decision domain.Decision,
	calBps float64,
	drained []domain.Fill,
	barReturnBps float64,
	feats map[string]float64,
	signals map[domain.Timeframe]domain.Signal,
	predRaw, predEff domain.Prediction,
) {
	cfg := d.cfg
	price := bar.Close
	pos := d.executor.Position()
	currentFrac := 0.0
	if cfg.Risk.BaseNotional > 0 {
		currentFrac = pos.Qty * price / cfg.Risk.BaseNotional
	}

	rvAnn := d.sizer.AnnualizedVol(feats["rv"])
	preTarget := d.sizer.TargetPosition(decision.Direction, decision.Alpha, rvAnn)

	gctx := guards.Context{
		TsMS:        bar.TsMS,
		Book:        book,
		FundingRate: funding.Rate,
		LastPrice:   price,
		CurrentPos:  currentFrac,
		TargetPos:   preTarget,
		PredCalBps:  calBps,
		ADV20USD:    cfg.Data.ADV20USD,
	}
	guarded := d.chain.Evaluate(decision, gctx)
	if guarded.Direction == 0 && decision.Direction != 0 && d.deps.Metrics != nil {
		d.deps.Metrics.GuardVetoes.WithLabelValues(string(d.tf), guarded.Details.Mode).Inc()
	}

	equity := d.executor.Equity(price)
	targetFrac := d.sizer.TargetPosition(guarded.Direction, guarded.Alpha, rvAnn)
	mode := guarded.Details.Mode

	warmed := d.computers[d.tf].Warmed()
	stopped := d.sizer.UpdateDailyStop(bar.TsMS, equity)
	switch {
	case !warmed || d.sizer.InWarmupSkip(d.barsSeen):
		targetFrac = 0
		mode = "warmup_skip"
	case stopped:
		targetFrac = 0
		mode = "daily_stop"
		d.emitAlert(bar.BarID, "daily_stop", map[string]any{"equity": equity})
	}

	// forced exits override the target entirely
	modelReversed := pos.Qty != 0 && guarded.Direction != 0 &&
		sign(pos.Qty) == -guarded.Direction && guarded.Alpha >= cfg.Thresholds.MinAlpha
	if reason := d.executor.ForcedExit(price, bar.BarID, modelReversed); reason != "" {
		targetFrac = 0
		mode = reason
		d.emitAlert(bar.BarID, reason, map[string]any{"qty": pos.Qty, "avg_px": pos.AvgPx})
	}

	var trades []exec.Trade
	inCooldown := d.sizer.InCooldown(bar.TsMS)
	worthwhile := d.sizer.RebalanceWorthwhile(currentFrac, targetFrac)
	if !cfg.Execution.DryRun && !inCooldown && worthwhile {
		trades = d.executor.Execute(bar.TsMS, bar.BarID, targetFrac, price, book, cfg.Data.ADV20USD)
	}

	tradedNotional := 0.0
	for _, t := range trades {
		tradedNotional += t.Qty * t.Price
		if t.Realized != 0 {
			d.tracker.ObserveTradeOutcome(t.Realized > 0)
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.Trades.WithLabelValues(string(d.tf), t.Leg).Inc()
		}
	}
	if len(trades) > 0 {
		newPos := d.executor.Position()
		flipped := 0
		if sign(newPos.Qty) != sign(pos.Qty) && newPos.Qty != 0 {
			flipped = sign(newPos.Qty)
		}
		d.chain.RecordExecution(bar.TsMS, tradedNotional, flipped)
		d.sizer.MarkExecuted(bar.TsMS)
	}

	equity = d.executor.Equity(price)
	inBand := math.Abs(calBps) <= cfg.Calibration.BandBps
	d.tracker.ObserveBar(equity, tradedNotional, inBand)

	qty := 0.0
	if price > 0 {
		qty = math.Abs(targetFrac-currentFrac) * cfg.Risk.BaseNotional / price
	}
	intent := guards.BuildIntent(decision, guarded, qty, price)

	d.emitBar(bar, book, funding, decision, guarded, intent, trades, feats, signals,
		predRaw, predEff, calBps, targetFrac, currentFrac, rvAnn, equity, mode, drained, barReturnBps)
}

// emitBar writes this iteration's stream records.
func (d *Driver) emitBar(
	bar domain.Bar,
	book domain.BookTicker,
	funding domain.FundingSnapshot,
	decision, guarded domain.Decision,
	intent domain.OrderIntent,
	trades []exec.Trade,
	feats map[string]float64,
	signals map[domain.Timeframe]domain.Signal,
	predRaw, predEff domain.Prediction,
	calBps, targetFrac, currentFrac, rvAnn, equity float64,
	mode string,
	drained []domain.Fill,
	barReturnBps float64,
) {
	em := d.deps.Emitter
	if em == nil {
		return
	}
	id := bar.BarID
	tf := string(d.tf)

	em.Emit(emit.StreamMarketIngest, id, map[string]any{
		"timeframe": tf, "ts_ms": bar.TsMS,
		"open": bar.Open, "high": bar.High, "low": bar.Low, "close": bar.Close,
		"volume": bar.Volume, "spread_bps": bar.SpreadBps,
		"funding": funding.Rate, "funding_stale": funding.Stale,
		"fills_drained": len(drained), "fills_dropped": d.ringDropped(),
	})
	em.Emit(emit.StreamFeatures, id, toAny(feats))
	em.Emit(emit.StreamCalibration, id, map[string]any{
		"timeframe": tf, "s_model": predEff.SModel, "cal_bps": calBps,
		"a": predEff.A, "b": predEff.B, "band_bps": d.cfg.Calibration.BandBps,
		"in_band": math.Abs(calBps) <= d.cfg.Calibration.BandBps,
	})
	em.Emit(emit.StreamSignals, id, map[string]any{
		"timeframe": tf, "direction": guarded.Direction, "alpha": guarded.Alpha,
		"mode": mode, "raw_direction": decision.Direction, "raw_alpha": decision.Alpha,
		"p_up": predRaw.PUp, "p_down": predRaw.PDown, "p_neutral": predRaw.PNeutral,
	})
	if d.blender != nil {
		w := d.blender.Weights()
		em.Emit(emit.StreamEnsemble, id, map[string]any{
			"timeframe": tf, "source": d.cfg.Ensemble.Source,
			"w_base": w.Base, "w_prob": w.Prob,
			"s_base": predRaw.SModel, "s_eff": predEff.SModel,
		})
	}
	if d.selector != nil {
		em.Emit(emit.StreamBandit, id, map[string]any{
			"timeframe": tf, "chosen_arm": decision.Details.ChosenArm,
			"weights": decision.Details.BanditWeights, "return_bps": barReturnBps,
		})
	}
	if d.cfg.Execution.UseOverlay && len(signals) > 1 {
		overlay := make(map[string]any, len(signals))
		for otf, s := range signals {
			overlay[string(otf)] = map[string]any{"dir": s.Direction, "alpha": s.Alpha}
		}
		em.Emit(emit.StreamOverlayStatus, id, map[string]any{"timeframe": tf, "signals": overlay})
	}
	em.Emit(emit.StreamOrderIntent, id, map[string]any{
		"timeframe": tf, "side": intent.Side, "intent_qty": intent.IntentQty,
		"intent_notional": intent.IntentNotional, "reason_codes": intent.ReasonCodes,
		"veto_primary": intent.VetoReasonPrimary, "veto_secondary": intent.VetoReasonSecondary,
	})
	for _, t := range trades {
		em.Emit(emit.StreamExecution, id, map[string]any{
			"timeframe": tf, "side": t.Side, "qty": t.Qty, "price": t.Price,
			"leg": t.Leg, "fee": t.Fee, "impact": t.Impact, "realized": t.Realized,
		})
	}
	em.Emit(emit.StreamCosts, id, map[string]any{
		"timeframe": tf, "cum_fees": d.executor.CumFees(), "cum_impact": d.executor.CumImpact(),
	})
	pos := d.executor.Position()
	em.Emit(emit.StreamPnLEquity, id, map[string]any{
		"timeframe": tf, "equity": equity, "realized_pnl": pos.RealizedPnL,
		"unrealized_pnl": d.executor.Unrealized(bar.Close),
		"qty":            pos.Qty, "avg_px": pos.AvgPx,
	})
	em.Emit(emit.StreamSizingRisk, id, map[string]any{
		"timeframe": tf, "target_frac": targetFrac, "current_frac": currentFrac,
		"rv_annualized": rvAnn, "daily_stopped": d.sizer.Stopped(),
		"in_cooldown": d.sizer.InCooldown(bar.TsMS),
	})

	every := d.cfg.Execution.HealthEmitEveryBars
	if every <= 0 {
		every = 1
	}
	if d.barsSeen%every == 0 {
		d.syncTransportStats()
		snap := d.tracker.Snapshot()
		em.Emit(emit.StreamHealth, id, healthPayload(tf, snap))
		em.Emit(emit.StreamKPIScorecard, id, map[string]any{
			"timeframe": tf, "rolling_sharpe": snap.RollingSharpe,
			"drawdown_pct": snap.DrawdownPct, "hit_rate": snap.HitRate,
			"in_band_share": snap.InBandShare, "turnover_usd": snap.TurnoverUSD,
		})
		if d.deps.Metrics != nil {
			d.deps.Metrics.Publish(tf, snap)
		}
		if d.deps.Archiver != nil {
			d.deps.Archiver.Archive(tf, id, snap)
		}
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.BarsProcessed.WithLabelValues(tf).Inc()
	}
}

func (d *Driver) emitAlert(barID int64, kind string, fields map[string]any) {
	log.Warn().Str("kind", kind).Int64("bar_id", barID).Msg("engine alert")
	if d.deps.Emitter == nil {
		return
	}
	payload := map[string]any{"kind": kind}
	for k, v := range fields {
		payload[k] = v
	}
	d.deps.Emitter.Emit(emit.StreamAlerts, barID, payload)
}

// emitHeartbeat keeps the health stream alive in offline mode.
func (d *Driver) emitHeartbeat() {
	if d.deps.Emitter == nil {
		return
	}
	d.syncTransportStats()
	snap := d.tracker.Snapshot()
	d.deps.Emitter.Emit(emit.StreamHealth, int64(d.barsSeen), healthPayload(string(d.tf), snap))
}

// syncTransportStats folds the polled consumer, ring, and emitter totals into
// the tracker and advances the prometheus counters by their deltas.
func (d *Driver) syncTransportStats() {
	var ws int64
	if d.deps.Consumer != nil {
		ws = d.deps.Consumer.Stats().Reconnects
	}
	drops := d.ringDropped()
	d.tracker.SetTransportCounters(ws, drops)

	if d.deps.Metrics == nil {
		return
	}
	if delta := ws - d.pubWSReconnects; delta > 0 {
		d.deps.Metrics.WSReconnects.Add(float64(delta))
	}
	if delta := drops - d.pubFillDrops; delta > 0 {
		d.deps.Metrics.FillDrops.Add(float64(delta))
	}
	d.pubWSReconnects, d.pubFillDrops = ws, drops

	if d.deps.Emitter != nil {
		st := d.deps.Emitter.Stats()
		if delta := st.QueueDrops - d.pubQueueDrops; delta > 0 {
			d.deps.Metrics.EmitterDrops.WithLabelValues("queue").Add(float64(delta))
		}
		if delta := st.Demoted - d.pubDemoted; delta > 0 {
			d.deps.Metrics.EmitterDrops.WithLabelValues("demoted").Add(float64(delta))
		}
		d.pubQueueDrops, d.pubDemoted = st.QueueDrops, st.Demoted
	}
}

func healthPayload(tf string, s health.Snapshot) map[string]any {
	return map[string]any{
		"timeframe": tf, "bars": s.Bars, "equity": s.Equity,
		"peak_equity": s.PeakEquity, "drawdown_pct": s.DrawdownPct,
		"rolling_sharpe": s.RollingSharpe, "hit_rate": s.HitRate,
		"in_band_share": s.InBandShare, "turnover_usd": s.TurnoverUSD,
		"ws_reconnects": s.WSReconnects, "fill_drops": s.FillDrops,
		"skipped_ticks": s.SkippedTicks, "stale_funding": s.StaleFunding,
		"neutral_degraded": s.NeutralDegraded,
	}
}

func (d *Driver) ringDropped() int64 {
	if d.deps.Ring == nil {
		return 0
	}
	return d.deps.Ring.Dropped()
}

func toAny(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
