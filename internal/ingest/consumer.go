package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/domain"
)

// connectGate serializes WS dials across all bot instances in the process so
// simultaneous reconnect storms do not trip the venue's connection limits.
var connectGate = make(chan struct{}, 1)

// message is the wire envelope on the fill stream.
type message struct {
	Type string        `json:"type"`
	Data []domain.Fill `json:"data"`
}

// Config tunes the consumer.
type Config struct {
	URL          string
	Symbol       string
	Subscribe    any           // optional message sent after connect
	MaxBackoff   time.Duration // reconnect cap
	ReadTimeout  time.Duration
	DedupeWindow int // (address, tid) pairs remembered
}

// Stats are the consumer's counters, polled by the driver for health records.
type Stats struct {
	Received   int64
	Deduped    int64
	Reconnects int64
}

// Consumer owns the WS connection lifecycle. Run blocks until the context is
// cancelled, reconnecting with jittered exponential backoff in between.
type Consumer struct {
	cfg  Config
	ring *FillRing
	rng  *rand.Rand

	seen     map[string]struct{}
	seenFIFO []string

	received   atomic.Int64
	deduped    atomic.Int64
	reconnects atomic.Int64
}

// NewConsumer wires the consumer to its output ring.
func NewConsumer(cfg Config, ring *FillRing) *Consumer {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 4096
	}
	return &Consumer{
		cfg:      cfg,
		ring:     ring,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:     make(map[string]struct{}, cfg.DedupeWindow),
		seenFIFO: make([]string, 0, cfg.DedupeWindow),
	}
}

// Stats returns a snapshot of the counters, safe to poll while Run is live.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:   c.received.Load(),
		Deduped:    c.deduped.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Run connects, reads, and reconnects until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		c.reconnects.Add(1)
		log.Warn().Err(err).Dur("backoff", backoff).Str("url", c.cfg.URL).
			Msg("fill stream disconnected, reconnecting")

		// jittered exponential backoff capped at MaxBackoff
		sleep := backoff/2 + time.Duration(c.rng.Int63n(int64(backoff/2)+1))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// connectAndRead holds the process-wide gate only for the dial.
func (c *Consumer) connectAndRead(ctx context.Context) error {
	select {
	case connectGate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	<-connectGate
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.cfg.Subscribe != nil {
		if err := conn.WriteJSON(c.cfg.Subscribe); err != nil {
			return err
		}
	}
	log.Info().Str("url", c.cfg.URL).Str("symbol", c.cfg.Symbol).Msg("fill stream connected")

	// close the socket when ctx is cancelled to unblock ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(raw)
	}
}

// handle parses one frame and pushes deduped fills for our symbol.
func (c *Consumer) handle(raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("unparseable fill frame skipped")
		return
	}
	if msg.Type != "fills" {
		return
	}
	for _, f := range msg.Data {
		if c.cfg.Symbol != "" && f.Symbol != c.cfg.Symbol {
			continue
		}
		c.received.Add(1)
		if c.isDuplicate(f) {
			c.deduped.Add(1)
			continue
		}
		c.ring.Push(f)
	}
}

// isDuplicate tracks (address, tid) pairs in a FIFO-bounded set. Public tape
// fills carry no tid and are never deduped.
func (c *Consumer) isDuplicate(f domain.Fill) bool {
	if f.TID == "" {
		return false
	}
	key := f.Address + "|" + f.TID
	if _, ok := c.seen[key]; ok {
		return true
	}
	if len(c.seenFIFO) >= c.cfg.DedupeWindow {
		oldest := c.seenFIFO[0]
		c.seenFIFO = c.seenFIFO[1:]
		delete(c.seen, oldest)
	}
	c.seen[key] = struct{}{}
	c.seenFIFO = append(c.seenFIFO, key)
	return false
}
