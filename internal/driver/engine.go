package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/config"
	"github.com/quantfold/quantfold/internal/emit"
	"github.com/quantfold/quantfold/internal/health"
	"github.com/quantfold/quantfold/internal/ingest"
	"github.com/quantfold/quantfold/internal/model"
	"github.com/quantfold/quantfold/internal/netx"
	"github.com/quantfold/quantfold/internal/store"
	"github.com/quantfold/quantfold/internal/venue"
)

// Engine owns the process-level plumbing around one driver: venue backends,
// the WS fill consumer, the emitter, the KPI archive, and the HTTP surface.
type Engine struct {
	cfg      *config.Config
	runID    string
	driver   *Driver
	emitter  *emit.Emitter
	archiver *store.Archiver
	metrics  *health.MetricsRegistry
	consumer *ingest.Consumer
	httpSrv  *http.Server
}

// RunID returns the generated run identifier stamped on every record.
func (e *Engine) RunID() string { return e.runID }

// NewEngine wires an engine from config. mdVenue overrides the market-data
// backend (replay mode); nil selects the configured one.
func NewEngine(cfg *config.Config, mdVenue venue.Venue) (*Engine, error) {
	runID := uuid.NewString()

	emitter, err := emit.New(emit.Config{
		Root:          cfg.Emitter.Root,
		Asset:         cfg.Data.Symbol,
		RunID:         runID,
		Async:         cfg.Emitter.Async,
		QueueSize:     cfg.Emitter.QueueSize,
		BatchSize:     cfg.Emitter.BatchSize,
		FlushInterval: cfg.Emitter.FlushInterval(),
		MaxFileSizeMB: cfg.Emitter.MaxFileSizeMB,
		MaxFiles:      cfg.Emitter.MaxFiles,
		Compress:      cfg.Emitter.Compress,
		SamplingRate:  cfg.Emitter.SamplingRate,
		RetryAttempts: cfg.Emitter.RetryAttempts,
		TimeZone:      cfg.Emitter.TimeZone,
	})
	if err != nil {
		return nil, err
	}

	archiver, err := store.Open(cfg.Archive.PostgresDSN, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("kpi archive: %w", err)
	}

	if mdVenue == nil {
		mdVenue = buildVenue(cfg)
	}

	var ring *ingest.FillRing
	var consumer *ingest.Consumer
	if cfg.Venue.FillsWSURL != "" && !config.Offline() {
		ring = ingest.NewFillRing(cfg.Venue.FillRingSize)
		consumer = ingest.NewConsumer(ingest.Config{
			URL:    cfg.Venue.FillsWSURL,
			Symbol: cfg.Data.Symbol,
		}, ring)
	}

	metrics := health.NewMetricsRegistry()
	drv := New(Deps{
		Cfg:      cfg,
		Venue:    mdVenue,
		Ring:     ring,
		Consumer: consumer,
		Emitter:  emitter,
		Model:    model.Load(cfg.Model.ManifestPath),
		Metrics:  metrics,
		Archiver: archiver,
	})

	e := &Engine{
		cfg:      cfg,
		runID:    runID,
		driver:   drv,
		emitter:  emitter,
		archiver: archiver,
		metrics:  metrics,
		consumer: consumer,
	}
	if cfg.HTTP.Addr != "" {
		e.httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: e.routes()}
	}
	return e, nil
}

// buildVenue assembles the configured market-data backend.
func buildVenue(cfg *config.Config) venue.Venue {
	client := netx.New(netx.Config{
		Timeout:    10 * time.Second,
		MaxRetries: 5,
	})

	var cache venue.FiltersCache = venue.NewMemoryFiltersCache(cfg.Cache.DefaultTTL())
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		cache = venue.NewRedisFiltersCache(rdb, cfg.Cache.DefaultTTL())
	}

	primary := venue.NewBinance(client, cfg.Venue.BaseURL, cache)
	if cfg.Venue.FundingFallback != "" {
		return venue.WithFundingFallback{
			Venue:    primary,
			Fallback: venue.NewBinance(client, cfg.Venue.FundingFallback, nil),
		}
	}
	return primary
}

// routes exposes /metrics and /healthz.
func (e *Engine) routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", e.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"run_id": e.runID,
			"health": e.driver.Health(),
		})
	}).Methods(http.MethodGet)
	return r
}

// Run drives everything until ctx is cancelled, then shuts down in order:
// WS consumer first, driver, HTTP, and finally the log queues with a
// bounded drain.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if e.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consumer.Run(ctx)
		}()
	}
	if e.httpSrv != nil {
		go func() {
			log.Info().Str("addr", e.httpSrv.Addr).Msg("http listener up")
			if err := e.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http listener failed")
			}
		}()
	}

	err := e.driver.Run(ctx)

	cancel()
	wg.Wait()
	if e.httpSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
		e.httpSrv.Shutdown(shutCtx)
		shutCancel()
	}
	e.emitter.Close(10 * time.Second)
	e.archiver.Close()
	return err
}
