// Package config defines the engine configuration schema, defaults, and
// startup validation. Validation failures are fatal-once: Load returns a
// single structured error and the process exits before any state is touched.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration consumed by the engine core.
type Config struct {
	Data         DataConfig         `yaml:"data"`
	Thresholds   ThresholdsConfig   `yaml:"thresholds"`
	Risk         RiskConfig         `yaml:"risk"`
	RiskControls RiskControlsConfig `yaml:"risk_controls"`
	Micro        MicroConfig        `yaml:"microstructure"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	Overlay      OverlayConfig      `yaml:"overlay"`
	Alignment    AlignmentConfig    `yaml:"alignment"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Ensemble     EnsembleConfig     `yaml:"ensemble"`
	Paper        PaperConfig        `yaml:"paper"`
	Emitter      EmitterConfig      `yaml:"emitter"`
	Venue        VenueConfig        `yaml:"venue"`
	Cache        CacheConfig        `yaml:"cache"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Model        ModelConfig        `yaml:"model"`
	Cohort       CohortConfig       `yaml:"cohort"`
	HTTP         HTTPConfig         `yaml:"http"`
}

// DataConfig selects the traded symbol and base interval.
type DataConfig struct {
	Symbol     string  `yaml:"symbol"`
	Interval   string  `yaml:"interval"` // base timeframe, e.g. "5m"
	WarmupBars int     `yaml:"warmup_bars"`
	ADV20USD   float64 `yaml:"adv20_usd"` // 20-day average daily volume, quote USD
}

// ThresholdsConfig gates raw model output into a signal.
type ThresholdsConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	MinAlpha      float64 `yaml:"min_alpha"`
	NeutralBand   float64 `yaml:"neutral_band"`
}

// RiskConfig drives sizing, cost simulation, and forced exits.
type RiskConfig struct {
	SigmaTarget             float64 `yaml:"sigma_target"`
	PosMax                  float64 `yaml:"pos_max"`
	CooldownBars            int     `yaml:"cooldown_bars"`
	BarMinutes              int     `yaml:"bar_minutes"`
	BaseNotional            float64 `yaml:"base_notional"`
	VolFloor                float64 `yaml:"vol_floor"`
	ADVCapPct               float64 `yaml:"adv_cap_pct"`
	RebalanceMinPosDelta    float64 `yaml:"rebalance_min_pos_delta"`
	DailyStopDDPct          float64 `yaml:"daily_stop_dd_pct"`
	WarmupSkipBars          int     `yaml:"warmup_skip_bars"`
	CostBps                 float64 `yaml:"cost_bps"`
	SlippageBps             float64 `yaml:"slippage_bps"`
	ImpactK                 float64 `yaml:"impact_k"`
	MaxImpactBpsHard        float64 `yaml:"max_impact_bps_hard"`
	EnableNetEdgeGating     bool    `yaml:"enable_net_edge_gating"`
	MinNetEdgeBps           float64 `yaml:"min_net_edge_bps"`
	MaxTotalCostBps         float64 `yaml:"max_total_cost_bps"`
	EnableForcedExits       bool    `yaml:"enable_forced_exits"`
	MaxPositionDurationBars int     `yaml:"max_position_duration_bars"`
	StopLossBps             float64 `yaml:"stop_loss_bps"`
	TakeProfitBps           float64 `yaml:"take_profit_bps"`
	DayBoundaryTZ           string  `yaml:"day_boundary_tz"` // daily stop reset zone
}

// RiskControlsConfig holds the pre-trade guard thresholds.
type RiskControlsConfig struct {
	FundingGuardBias float64 `yaml:"funding_guard_bias"`
	MinSignFlipGapS  int     `yaml:"min_sign_flip_gap_s"`
	DeltaPiMinBps    float64 `yaml:"delta_pi_min_bps"`
	MaxOrdersPerSec  int     `yaml:"max_orders_per_sec"`
	ADVOrderCap      float64 `yaml:"adv_order_cap"`
	ADVHourCap       float64 `yaml:"adv_hour_cap"`
	MaxImpactBps     float64 `yaml:"max_impact_bps"`
}

// MicroConfig gates on quoted spread.
type MicroConfig struct {
	Enable       bool    `yaml:"enable"`
	MaxSpreadBps float64 `yaml:"max_spread_bps"`
}

// CalibrationConfig is the in-band suppression interval.
type CalibrationConfig struct {
	BandBps float64 `yaml:"band_bps"`
}

// OverlayConfig configures the higher-timeframe rollups.
type OverlayConfig struct {
	Enabled          bool                        `yaml:"enabled"`
	Timeframes       []string                    `yaml:"timeframes"`
	RollupWindows    map[string]int              `yaml:"rollup_windows"` // tf -> N base bars
	Weights          map[string]float64          `yaml:"weights"`
	SignalThresholds map[string]ThresholdsConfig `yaml:"signal_thresholds"`
	MinBarsReady     int                         `yaml:"min_bars_ready"`
}

// AlignmentConfig drives the multi-timeframe combiner rules.
type AlignmentConfig struct {
	Require5m15mAgreement bool    `yaml:"require_5m_15m_agreement"`
	Allow1hOverride       bool    `yaml:"allow_1h_override"`
	OverrideMinAlpha      float64 `yaml:"override_min_alpha"`
	HalveOn1hOpposition   bool    `yaml:"halve_on_1h_opposition"`
	ConflictBandMult      float64 `yaml:"conflict_band_mult"`
	ConflictMinAlpha      float64 `yaml:"conflict_min_alpha"`
}

// BanditConfig configures the contextual arm selector.
type BanditConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Epsilon        float64 `yaml:"epsilon"`
	ModelOptimism  float64 `yaml:"model_optimism"`
	CheckpointPath string  `yaml:"checkpoint_path"`
}

// ExecutionConfig selects the execution mode and per-loop toggles.
type ExecutionConfig struct {
	Mode                string       `yaml:"mode"` // "market" | "passive_then_cross"
	PassiveTimeoutS     int          `yaml:"passive_timeout_s"`
	DryRun              bool         `yaml:"dry_run"`
	Bandit              BanditConfig `yaml:"bandit"`
	UseOverlay          bool         `yaml:"use_overlay"`
	HealthEmitEveryBars int          `yaml:"health_emit_every_bars"`
}

// BMAConfig tunes the online blend between the two model variants.
type BMAConfig struct {
	ICWindowBars int     `yaml:"ic_window_bars"`
	Kappa        float64 `yaml:"kappa"`
	Freeze       bool    `yaml:"freeze"`
}

// EnsembleConfig selects the model score source.
type EnsembleConfig struct {
	EnableBMA bool      `yaml:"enable_bma"`
	Source    string    `yaml:"source"` // "bma" | "stacked" | "base"
	BMA       BMAConfig `yaml:"bma"`
}

// PaperConfig seeds the simulated account.
type PaperConfig struct {
	StartingEquity float64 `yaml:"starting_equity"`
}

// EmitterConfig drives the partitioned JSONL emitter.
type EmitterConfig struct {
	Root            string  `yaml:"root"`
	Async           bool    `yaml:"async"`
	QueueSize       int     `yaml:"queue_size"`
	BatchSize       int     `yaml:"batch_size"`
	FlushIntervalMS int     `yaml:"flush_interval_ms"`
	MaxFileSizeMB   int     `yaml:"max_file_size_mb"`
	MaxFiles        int     `yaml:"max_files"`
	Compress        bool    `yaml:"compress"`
	SamplingRate    float64 `yaml:"sampling_rate"`
	RetryAttempts   int     `yaml:"retry_attempts"`
	TimeZone        string  `yaml:"time_zone"` // partition date zone
}

// FlushInterval returns the batch flush interval.
func (e EmitterConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMS) * time.Millisecond
}

// VenueConfig selects market-data backends.
type VenueConfig struct {
	Primary         string `yaml:"primary"` // "binance"
	BaseURL         string `yaml:"base_url"`
	FundingFallback string `yaml:"funding_fallback"`
	FillsWSURL      string `yaml:"fills_ws_url"`
	FillRingSize    int    `yaml:"fill_ring_size"`
}

// CacheConfig optionally backs the filters/funding cache with Redis.
type CacheConfig struct {
	RedisAddr         string `yaml:"redis_addr"` // empty disables Redis
	RedisDB           int    `yaml:"redis_db"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
}

// DefaultTTL returns the cache entry TTL.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// ArchiveConfig optionally mirrors KPI records into Postgres.
type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables the archive
}

// ModelConfig locates the frozen artifact set.
type ModelConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

// CohortConfig tunes the flow accumulator.
type CohortConfig struct {
	Window            int                `yaml:"window"`  // ring capacity W
	Weights           map[string]float64 `yaml:"weights"` // pros/amateurs/mood
	NormalizeADV      bool               `yaml:"normalize_adv"`
	DecayEnabled      bool               `yaml:"decay_enabled"`
	DecayHalfLifeMins int                `yaml:"decay_half_life_mins"`
}

// DecayHalfLife returns the recency decay half-life.
func (c CohortConfig) DecayHalfLife() time.Duration {
	return time.Duration(c.DecayHalfLifeMins) * time.Minute
}

// HTTPConfig exposes /metrics and /healthz.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Symbol:     "BTCUSDT",
			Interval:   "5m",
			WarmupBars: 50,
			ADV20USD:   5e8,
		},
		Thresholds: ThresholdsConfig{
			MinConfidence: 0.40,
			MinAlpha:      0.05,
			NeutralBand:   0.02,
		},
		Risk: RiskConfig{
			SigmaTarget:             0.20,
			PosMax:                  1.0,
			CooldownBars:            1,
			BarMinutes:              5,
			BaseNotional:            10000,
			VolFloor:                0,
			ADVCapPct:               0,
			RebalanceMinPosDelta:    0.01,
			DailyStopDDPct:          5.0,
			WarmupSkipBars:          50,
			CostBps:                 5,
			SlippageBps:             2,
			ImpactK:                 0.0,
			MaxImpactBpsHard:        200,
			EnableNetEdgeGating:     true,
			MinNetEdgeBps:           2,
			MaxTotalCostBps:         25,
			EnableForcedExits:       true,
			MaxPositionDurationBars: 288,
			StopLossBps:             150,
			TakeProfitBps:           300,
			DayBoundaryTZ:           "Asia/Kolkata",
		},
		RiskControls: RiskControlsConfig{
			FundingGuardBias: 0.0005,
			MinSignFlipGapS:  300,
			DeltaPiMinBps:    50,
			MaxOrdersPerSec:  2,
			ADVOrderCap:      0.001,
			ADVHourCap:       0.005,
			MaxImpactBps:     50,
		},
		Micro:       MicroConfig{Enable: true, MaxSpreadBps: 10},
		Calibration: CalibrationConfig{BandBps: 5},
		Overlay: OverlayConfig{
			Enabled:       true,
			Timeframes:    []string{"15m", "1h", "12h", "24h"},
			RollupWindows: map[string]int{"15m": 3, "1h": 12, "12h": 144, "24h": 288},
			Weights:       map[string]float64{"5m": 0.4, "15m": 0.3, "1h": 0.3},
			MinBarsReady:  3,
		},
		Alignment: AlignmentConfig{
			Require5m15mAgreement: true,
			Allow1hOverride:       true,
			OverrideMinAlpha:      0.1,
			HalveOn1hOpposition:   true,
			ConflictBandMult:      2.0,
			ConflictMinAlpha:      0.3,
		},
		Execution: ExecutionConfig{
			Mode:                "market",
			PassiveTimeoutS:     5,
			Bandit:              BanditConfig{Enabled: true, Epsilon: 0.1, ModelOptimism: 0.0, CheckpointPath: "bandit_state.json"},
			UseOverlay:          true,
			HealthEmitEveryBars: 12,
		},
		Ensemble: EnsembleConfig{
			EnableBMA: true,
			Source:    "bma",
			BMA:       BMAConfig{ICWindowBars: 200, Kappa: 4.0, Freeze: false},
		},
		Paper: PaperConfig{StartingEquity: 100000},
		Emitter: EmitterConfig{
			Root:            "paper_trading",
			Async:           true,
			QueueSize:       4096,
			BatchSize:       128,
			FlushIntervalMS: 2000,
			MaxFileSizeMB:   64,
			MaxFiles:        14,
			Compress:        false,
			SamplingRate:    1.0,
			RetryAttempts:   3,
			TimeZone:        "Asia/Kolkata",
		},
		Venue: VenueConfig{
			Primary:      "binance",
			BaseURL:      "https://fapi.binance.com",
			FillRingSize: 20000,
		},
		Cache: CacheConfig{DefaultTTLSeconds: 300},
		Model: ModelConfig{ManifestPath: "artifacts/LATEST.json"},
		Cohort: CohortConfig{
			Window:            12,
			Weights:           map[string]float64{"pros": 1.0, "amateurs": 1.0, "mood": 1.0},
			NormalizeADV:      true,
			DecayEnabled:      true,
			DecayHalfLifeMins: 30,
		},
		HTTP: HTTPConfig{Addr: ""},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. A missing path returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps the supported environment overrides onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAPER_TRADING_ROOT"); v != "" {
		c.Emitter.Root = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.Execution.DryRun = truthy(v)
	}
}

// OneShot reports whether the driver should exit after a single iteration.
func OneShot() bool { return truthy(os.Getenv("LIVE_DEMO_ONE_SHOT")) }

// Offline reports whether network polls should be skipped entirely.
func Offline() bool { return truthy(os.Getenv("LIVE_DEMO_OFFLINE")) }

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "1" || v == "yes"
	}
	return b
}

// Validate enforces startup invariants. Any violation is fatal.
func (c *Config) Validate() error {
	if c.Data.Symbol == "" {
		return fmt.Errorf("config: data.symbol is required")
	}
	if c.Risk.BarMinutes <= 0 {
		return fmt.Errorf("config: risk.bar_minutes must be positive, got %d", c.Risk.BarMinutes)
	}
	if c.Risk.PosMax <= 0 {
		return fmt.Errorf("config: risk.pos_max must be positive, got %g", c.Risk.PosMax)
	}
	if c.Risk.SigmaTarget < 0 {
		return fmt.Errorf("config: risk.sigma_target must be nonnegative, got %g", c.Risk.SigmaTarget)
	}
	if c.Emitter.SamplingRate <= 0 || c.Emitter.SamplingRate > 1 {
		return fmt.Errorf("config: emitter.sampling_rate must be in (0,1], got %g", c.Emitter.SamplingRate)
	}
	if c.Cohort.Window <= 0 {
		return fmt.Errorf("config: cohort.window must be positive, got %d", c.Cohort.Window)
	}
	switch c.Execution.Mode {
	case "market", "passive_then_cross":
	default:
		return fmt.Errorf("config: execution.mode must be market or passive_then_cross, got %q", c.Execution.Mode)
	}
	switch c.Ensemble.Source {
	case "bma", "stacked", "base":
	default:
		return fmt.Errorf("config: ensemble.source must be bma, stacked or base, got %q", c.Ensemble.Source)
	}
	if c.Overlay.Enabled {
		for _, tf := range c.Overlay.Timeframes {
			if n, ok := c.Overlay.RollupWindows[tf]; !ok || n <= 0 {
				return fmt.Errorf("config: overlay.rollup_windows missing positive window for %s", tf)
			}
		}
	}
	if c.Emitter.BatchSize <= 0 {
		return fmt.Errorf("config: emitter.batch_size must be positive, got %d", c.Emitter.BatchSize)
	}
	if _, err := time.LoadLocation(c.Emitter.TimeZone); err != nil {
		return fmt.Errorf("config: emitter.time_zone %q: %w", c.Emitter.TimeZone, err)
	}
	if _, err := time.LoadLocation(c.Risk.DayBoundaryTZ); err != nil {
		return fmt.Errorf("config: risk.day_boundary_tz %q: %w", c.Risk.DayBoundaryTZ, err)
	}
	return nil
}
