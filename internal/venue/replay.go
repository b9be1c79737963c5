package venue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/exec"
)

// Replay serves bars from a JSONL capture, one new bar per Klines poll, so
// a recorded session can be driven through the full pipeline without any
// network. Book and funding are synthesized from the bar.
type Replay struct {
	bars    []domain.Bar
	cursor  int
	filters exec.Filters
}

// NewReplay loads a JSONL file of bars (domain.Bar encoding, one per line).
// Invalid lines are skipped.
func NewReplay(path string, filters exec.Filters) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("venue: open replay %s: %w", path, err)
	}
	defer f.Close()

	r := &Replay{filters: filters}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<16), 1<<20)
	for sc.Scan() {
		var bar domain.Bar
		if err := json.Unmarshal(sc.Bytes(), &bar); err != nil {
			continue
		}
		if bar.Validate() != nil {
			continue
		}
		r.bars = append(r.bars, bar)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("venue: read replay %s: %w", path, err)
	}
	if len(r.bars) == 0 {
		return nil, fmt.Errorf("venue: replay %s holds no valid bars", path)
	}
	return r, nil
}

// Exhausted reports whether every bar has been served.
func (r *Replay) Exhausted() bool { return r.cursor >= len(r.bars) }

// Klines advances the cursor by one bar per call and returns the window
// ending at it.
func (r *Replay) Klines(_ context.Context, _ string, _ domain.Timeframe, limit int) ([]domain.Bar, error) {
	if r.Exhausted() {
		// keep returning the final window; the driver sees it as
		// non-advancing and idles
		r.cursor = len(r.bars)
	} else {
		r.cursor++
	}
	lo := r.cursor - limit
	if lo < 0 {
		lo = 0
	}
	return r.bars[lo:r.cursor], nil
}

// BookTicker synthesizes a one-tick-wide book around the current close.
func (r *Replay) BookTicker(context.Context, string) (domain.BookTicker, error) {
	bar := r.current()
	half := bar.Close * 0.00005
	return domain.BookTicker{
		BidPrice: bar.Close - half,
		BidQty:   bar.Volume,
		AskPrice: bar.Close + half,
		AskQty:   bar.Volume,
		TsMS:     bar.TsMS,
	}, nil
}

func (r *Replay) PremiumIndex(context.Context, string) (domain.FundingSnapshot, error) {
	bar := r.current()
	return domain.FundingSnapshot{Rate: bar.Funding, TsMS: bar.TsMS}, nil
}

func (r *Replay) ExchangeInfo(context.Context, string) (exec.Filters, error) {
	return r.filters, nil
}

func (r *Replay) current() domain.Bar {
	i := r.cursor - 1
	if i < 0 {
		i = 0
	}
	if i >= len(r.bars) {
		i = len(r.bars) - 1
	}
	return r.bars[i]
}
