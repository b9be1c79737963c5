// Package venue abstracts the market-data REST surface the driver polls:
// candles, top of book, funding, and symbol trading filters. Backends are
// selected by config; the fallback venue only serves funding.
package venue

import (
	"context"

	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/exec"
)

// Venue is the read-only market-data surface. Implementations must be safe
// for sequential use from the driver goroutine; they do not retain the
// context past the call.
type Venue interface {
	// Klines returns up to limit closed bars, oldest first.
	Klines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Bar, error)

	// BookTicker returns the current top of book.
	BookTicker(ctx context.Context, symbol string) (domain.BookTicker, error)

	// PremiumIndex returns the current funding rate.
	PremiumIndex(ctx context.Context, symbol string) (domain.FundingSnapshot, error)

	// ExchangeInfo returns the symbol's trading filters.
	ExchangeInfo(ctx context.Context, symbol string) (exec.Filters, error)
}

// TradesSource is the optional public-tape surface. Backends that expose it
// let the driver backfill flow from recent public trades when none arrived
// over the stream.
type TradesSource interface {
	AggTrades(ctx context.Context, symbol string, limit int) ([]domain.Fill, error)
}

// FundingSource is the narrow surface a fallback venue must provide.
type FundingSource interface {
	PremiumIndex(ctx context.Context, symbol string) (domain.FundingSnapshot, error)
}

// WithFundingFallback decorates a venue so funding failures consult a
// secondary source before surfacing the error.
type WithFundingFallback struct {
	Venue
	Fallback FundingSource
}

func (w WithFundingFallback) PremiumIndex(ctx context.Context, symbol string) (domain.FundingSnapshot, error) {
	snap, err := w.Venue.PremiumIndex(ctx, symbol)
	if err == nil {
		return snap, nil
	}
	if w.Fallback == nil {
		return snap, err
	}
	return w.Fallback.PremiumIndex(ctx, symbol)
}
