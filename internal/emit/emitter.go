// Package emit writes durable, partitioned, append-only JSONL streams:
// one directory per stream partitioned by IST date and asset, with size-based
// rotation, optional gzip, per-stream batching queues, and per-record
// sampling. Write failures retry with backoff and then demote the record to
// the errors stream; the driver is never blocked indefinitely.
package emit

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// SchemaVersion stamps every record envelope.
const SchemaVersion = 3

// Stream names fanned out by the driver.
const (
	StreamMarketIngest  = "market_ingest_log"
	StreamSignals       = "signals"
	StreamEnsemble      = "ensemble_log"
	StreamCalibration   = "calibration_log"
	StreamOrderIntent   = "order_intent"
	StreamExecution     = "execution"
	StreamCosts         = "costs_log"
	StreamPnLEquity     = "pnl_equity_log"
	StreamSizingRisk    = "sizing_risk_log"
	StreamHealth        = "health"
	StreamFeatures      = "feature_log"
	StreamOverlayStatus = "overlay_status"
	StreamKPIScorecard  = "kpi_scorecard"
	StreamBandit        = "bandit"
	StreamAlerts        = "alerts"
	StreamRepro         = "repro"
	StreamCohortFills   = "hyperliquid"
)

// envelope keys that trimming must never drop.
var mandatoryKeys = map[string]bool{
	"run_id": true, "ts_ist": true, "schema_v": true, "bar_id": true, "asset": true,
}

// Limits on a serialized record.
const (
	maxFields      = 32
	maxRecordBytes = 1500
)

// Config tunes the emitter; see the emitter section of the engine config.
type Config struct {
	Root          string
	Asset         string
	RunID         string
	Async         bool
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxFileSizeMB int
	MaxFiles      int
	Compress      bool
	SamplingRate  float64 // (0,1]; 1 writes everything
	RetryAttempts int
	TimeZone      string
}

// Stats are the emitter's drop/error counters.
type Stats struct {
	Written     int64
	SampledOut  int64
	QueueDrops  int64
	WriteErrors int64
	Demoted     int64
}

// Emitter fans records to per-stream partitioned files. One instance is
// constructed at process start and threaded through the driver explicitly.
// Emit must not be called concurrently with or after Close.
type Emitter struct {
	cfg Config
	loc *time.Location
	rng *rand.Rand

	mu      sync.Mutex
	streams map[string]*streamWriter
	stats   Stats
	closed  bool
}

// streamWriter owns one stream's file handle and queue.
type streamWriter struct {
	name    string
	file    *os.File
	gz      *gzip.Writer
	size    int64
	dateDir string // current partition, rotated on date change

	queue chan queued
	done  chan struct{}
}

// queued pairs a serialized line with its record time so the drain goroutine
// partitions by the record's own timestamp, not the drain time.
type queued struct {
	ts   time.Time
	line []byte
}

// New constructs an emitter. The partition zone defaults to IST.
func New(cfg Config) (*Emitter, error) {
	if cfg.TimeZone == "" {
		cfg.TimeZone = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("emit: time zone %q: %w", cfg.TimeZone, err)
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		return nil, fmt.Errorf("emit: sampling rate %g out of (0,1]", cfg.SamplingRate)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("emit: create root: %w", err)
	}
	return &Emitter{
		cfg:     cfg,
		loc:     loc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		streams: make(map[string]*streamWriter),
	}, nil
}

// Stats returns a copy of the counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// PartitionPath returns the partition file path for a stream at time ts.
// The mapping is pure: the same (ts, asset, stream) always yields the same
// path.
func (e *Emitter) PartitionPath(stream string, ts time.Time) string {
	date := ts.In(e.loc).Format("2006-01-02")
	name := stream + ".jsonl"
	if e.cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(e.cfg.Root, stream,
		fmt.Sprintf("date=%s", date),
		fmt.Sprintf("asset=%s", e.cfg.Asset),
		name)
}

// Emit writes one record to a stream. The envelope (run_id, ts_ist,
// schema_v, bar_id, asset) is stamped here; payloads exceeding the field or
// byte caps are trimmed best-effort, bulkiest optional keys first.
func (e *Emitter) Emit(stream string, barID int64, payload map[string]any) {
	e.EmitAt(stream, barID, payload, time.Now())
}

// EmitAt is Emit with an explicit record time, used by replay and tests.
func (e *Emitter) EmitAt(stream string, barID int64, payload map[string]any, ts time.Time) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.cfg.SamplingRate < 1 && e.rng.Float64() >= e.cfg.SamplingRate {
		e.stats.SampledOut++
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	record := make(map[string]any, len(payload)+5)
	for k, v := range payload {
		record[k] = v
	}
	record["run_id"] = e.cfg.RunID
	record["ts_ist"] = ts.In(e.loc).Format("2006-01-02T15:04:05.000-07:00")
	record["schema_v"] = SchemaVersion
	record["bar_id"] = barID
	record["asset"] = e.cfg.Asset

	line, err := marshalTrimmed(record)
	if err != nil {
		e.mu.Lock()
		e.stats.WriteErrors++
		e.mu.Unlock()
		log.Error().Err(err).Str("stream", stream).Msg("record marshal failed")
		return
	}

	if e.cfg.Async {
		e.enqueue(stream, ts, line)
		return
	}
	e.writeSync(stream, ts, line)
}

// marshalTrimmed serializes a record, dropping the bulkiest optional keys
// until it fits the field and byte caps.
func marshalTrimmed(record map[string]any) ([]byte, error) {
	for len(record) > maxFields {
		if !dropBulkiest(record) {
			break
		}
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	for len(b) > maxRecordBytes {
		if !dropBulkiest(record) {
			break
		}
		if b, err = json.Marshal(record); err != nil {
			return nil, err
		}
	}
	return append(b, '\n'), nil
}

// dropBulkiest removes the optional key with the largest serialized value.
func dropBulkiest(record map[string]any) bool {
	var victim string
	var victimSize int
	for k, v := range record {
		if mandatoryKeys[k] {
			continue
		}
		b, err := json.Marshal(v)
		size := len(b)
		if err != nil {
			size = 1 << 20
		}
		if victim == "" || size > victimSize || (size == victimSize && k < victim) {
			victim, victimSize = k, size
		}
	}
	if victim == "" {
		return false
	}
	delete(record, victim)
	return true
}

// enqueue hands the line to the stream's writer goroutine; a queue full for
// more than one flush cycle drops the record and counts it.
func (e *Emitter) enqueue(stream string, ts time.Time, line []byte) {
	sw := e.streamFor(stream, ts)
	select {
	case sw.queue <- queued{ts: ts, line: line}:
	case <-time.After(e.cfg.FlushInterval):
		e.mu.Lock()
		e.stats.QueueDrops++
		e.mu.Unlock()
	}
}

// streamFor returns the stream writer, starting its goroutine on first use.
func (e *Emitter) streamFor(stream string, ts time.Time) *streamWriter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sw, ok := e.streams[stream]; ok {
		return sw
	}
	sw := &streamWriter{
		name:  stream,
		queue: make(chan queued, e.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	e.streams[stream] = sw
	if e.cfg.Async {
		go e.drainLoop(sw)
	}
	return sw
}

// drainLoop batches queued records and flushes on size or interval.
func (e *Emitter) drainLoop(sw *streamWriter) {
	defer close(sw.done)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]queued, 0, e.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.writeBatch(sw, batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-sw.queue:
			if !ok {
				flush()
				e.closeStream(sw)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch appends a batch under the stream's file, rotating as needed.
// Each record lands in the partition of its own timestamp.
func (e *Emitter) writeBatch(sw *streamWriter, batch []queued) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range batch {
		if err := e.appendLocked(sw, rec.ts, rec.line); err != nil {
			e.stats.WriteErrors++
			log.Error().Err(err).Str("stream", sw.name).Msg("batch write failed")
			e.demoteLocked(sw.name, rec.line)
			continue
		}
		e.stats.Written++
	}
}

// writeSync writes one record with retry, demoting to the errors stream on
// exhaustion.
func (e *Emitter) writeSync(stream string, ts time.Time, line []byte) {
	sw := e.streamFor(stream, ts)

	op := func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.appendLocked(sw, ts, line)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.RetryAttempts))
	if err := backoff.Retry(op, bo); err != nil {
		e.mu.Lock()
		e.stats.WriteErrors++
		e.demoteLocked(stream, line)
		e.mu.Unlock()
		log.Error().Err(err).Str("stream", stream).Msg("sync write exhausted retries")
		return
	}
	e.mu.Lock()
	e.stats.Written++
	e.mu.Unlock()
}

// appendLocked writes one line to the stream's current partition file,
// opening or rotating it first as needed. Caller holds e.mu.
func (e *Emitter) appendLocked(sw *streamWriter, ts time.Time, line []byte) error {
	path := e.PartitionPath(sw.name, ts)
	dir := filepath.Dir(path)

	// date partition change or first write
	if sw.file == nil || sw.dateDir != dir {
		if err := e.openLocked(sw, path, dir); err != nil {
			return err
		}
	}

	// size rotation
	if e.cfg.MaxFileSizeMB > 0 && sw.size >= int64(e.cfg.MaxFileSizeMB)*1024*1024 {
		if err := e.rotateLocked(sw, ts); err != nil {
			return err
		}
	}

	var err error
	if sw.gz != nil {
		_, err = sw.gz.Write(line)
	} else {
		_, err = sw.file.Write(line)
	}
	if err != nil {
		return err
	}
	sw.size += int64(len(line))
	return nil
}

func (e *Emitter) openLocked(sw *streamWriter, path, dir string) error {
	e.closeFileLocked(sw)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	sw.file = f
	sw.size = st.Size()
	sw.dateDir = dir
	if e.cfg.Compress {
		sw.gz = gzip.NewWriter(f)
	}
	return nil
}

// rotateLocked renames the active file to its timestamped rotation name and
// reopens a fresh one, then prunes old rotations beyond MaxFiles by mtime.
func (e *Emitter) rotateLocked(sw *streamWriter, ts time.Time) error {
	path := e.PartitionPath(sw.name, ts)
	dir := filepath.Dir(path)
	e.closeFileLocked(sw)

	stamp := ts.In(e.loc).Format("20060102_150405")
	ext := ".jsonl"
	if e.cfg.Compress {
		ext = ".jsonl.gz"
	}
	rotated := filepath.Join(dir, fmt.Sprintf("%s_%s%s", sw.name, stamp, ext))
	if err := os.Rename(path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	e.cleanupLocked(dir, sw.name, ext)
	return e.openLocked(sw, path, dir)
}

// cleanupLocked keeps the newest MaxFiles rotations by mtime.
func (e *Emitter) cleanupLocked(dir, stream, ext string) {
	if e.cfg.MaxFiles <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type rotated struct {
		path  string
		mtime time.Time
	}
	var files []rotated
	activeName := stream + ext
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || name == activeName {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		files = append(files, rotated{path: filepath.Join(dir, name), mtime: info.ModTime()})
	}
	if len(files) <= e.cfg.MaxFiles {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	for _, f := range files[e.cfg.MaxFiles:] {
		os.Remove(f.path)
	}
}

// demoteLocked appends a failed record to {root}/errors/{stream}_errors.jsonl.
func (e *Emitter) demoteLocked(stream string, line []byte) {
	dir := filepath.Join(e.cfg.Root, "errors")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, stream+"_errors.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err == nil {
		e.stats.Demoted++
	}
}

func (e *Emitter) closeFileLocked(sw *streamWriter) {
	if sw.gz != nil {
		sw.gz.Close()
		sw.gz = nil
	}
	if sw.file != nil {
		sw.file.Sync()
		sw.file.Close()
		sw.file = nil
	}
	sw.size = 0
	sw.dateDir = ""
}

// closeStream finalizes one stream after its queue drains.
func (e *Emitter) closeStream(sw *streamWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFileLocked(sw)
}

// Close drains all queues with a bounded timeout and fsyncs every file.
func (e *Emitter) Close(timeout time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	streams := make([]*streamWriter, 0, len(e.streams))
	for _, sw := range e.streams {
		streams = append(streams, sw)
	}
	e.mu.Unlock()

	deadline := time.After(timeout)
	for _, sw := range streams {
		close(sw.queue)
		if e.cfg.Async {
			select {
			case <-sw.done:
			case <-deadline:
				log.Warn().Str("stream", sw.name).Msg("emitter close timed out draining queue")
			}
		} else {
			e.closeStream(sw)
		}
	}
}

// Flush forces pending buffered data to disk for sync-mode streams.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sw := range e.streams {
		if sw.gz != nil {
			sw.gz.Flush()
		}
		if sw.file != nil {
			sw.file.Sync()
		}
	}
}
