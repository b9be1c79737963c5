package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfold/quantfold/internal/domain"
	"github.com/quantfold/quantfold/internal/exec"
	"github.com/quantfold/quantfold/internal/netx"
)

// DefaultBinanceBaseURL is the USDT-margined futures REST host.
const DefaultBinanceBaseURL = "https://fapi.binance.com"

// Binance is the primary REST backend. All calls go through the shared netx
// client, which owns pacing, retries, and the per-host breaker.
type Binance struct {
	base   string
	client *netx.Client
	cache  FiltersCache // may be nil
}

// NewBinance constructs the backend. An empty baseURL picks the production
// host; cache may be nil to disable filter caching.
func NewBinance(client *netx.Client, baseURL string, cache FiltersCache) *Binance {
	if baseURL == "" {
		baseURL = DefaultBinanceBaseURL
	}
	return &Binance{base: baseURL, client: client, cache: cache}
}

// Klines fetches closed candles. Binance rows are open-time keyed and quote
// prices as strings; bars here are close-time keyed, so ts_ms is the row's
// close time. The last row is the still-forming candle and is dropped.
func (b *Binance) Klines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit+1))
	body, err := b.client.GetJSON(ctx, b.base+"/fapi/v1/klines?"+q.Encode())
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("venue: klines decode: %w", err)
	}
	if len(rows) > 0 {
		rows = rows[:len(rows)-1]
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		bar := domain.Bar{
			TsMS:   int64(anyF(row[6])),
			Open:   anyF(row[1]),
			High:   anyF(row[2]),
			Low:    anyF(row[3]),
			Close:  anyF(row[4]),
			Volume: anyF(row[5]),
		}
		if err := bar.Validate(); err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func (b *Binance) BookTicker(ctx context.Context, symbol string) (domain.BookTicker, error) {
	body, err := b.client.GetJSON(ctx, b.base+"/fapi/v1/ticker/bookTicker?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return domain.BookTicker{}, err
	}
	var raw struct {
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
		Time     int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.BookTicker{}, fmt.Errorf("venue: bookTicker decode: %w", err)
	}
	return domain.BookTicker{
		BidPrice: strF(raw.BidPrice),
		BidQty:   strF(raw.BidQty),
		AskPrice: strF(raw.AskPrice),
		AskQty:   strF(raw.AskQty),
		TsMS:     raw.Time,
	}, nil
}

// AggTrades returns recent compressed public trades as tape fills, oldest
// first. Binance sets m=true when the buyer was the maker, so the aggressing
// side is a sell.
func (b *Binance) AggTrades(ctx context.Context, symbol string, limit int) ([]domain.Fill, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))
	body, err := b.client.GetJSON(ctx, b.base+"/fapi/v1/aggTrades?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID    int64  `json:"a"`
		Price string `json:"p"`
		Qty   string `json:"q"`
		Time  int64  `json:"T"`
		Maker bool   `json:"m"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("venue: aggTrades decode: %w", err)
	}
	fills := make([]domain.Fill, 0, len(rows))
	for _, r := range rows {
		side := domain.SideBuy
		if r.Maker {
			side = domain.SideSell
		}
		fills = append(fills, domain.Fill{
			TsMS:   r.Time,
			TID:    strconv.FormatInt(r.ID, 10),
			Symbol: symbol,
			Side:   side,
			Price:  strF(r.Price),
			Size:   strF(r.Qty),
			Source: domain.SourcePublic,
		})
	}
	return fills, nil
}

func (b *Binance) PremiumIndex(ctx context.Context, symbol string) (domain.FundingSnapshot, error) {
	body, err := b.client.GetJSON(ctx, b.base+"/fapi/v1/premiumIndex?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return domain.FundingSnapshot{}, err
	}
	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
		Time            int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.FundingSnapshot{}, fmt.Errorf("venue: premiumIndex decode: %w", err)
	}
	return domain.FundingSnapshot{
		Rate:      strF(raw.LastFundingRate),
		TsMS:      raw.Time,
		FetchedAt: time.Now(),
	}, nil
}

// ExchangeInfo resolves the symbol's trading filters, consulting the cache
// first. A cache read failure falls through to the REST call.
func (b *Binance) ExchangeInfo(ctx context.Context, symbol string) (exec.Filters, error) {
	if b.cache != nil {
		if f, ok := b.cache.Get(ctx, symbol); ok {
			return f, nil
		}
	}

	body, err := b.client.GetJSON(ctx, b.base+"/fapi/v1/exchangeInfo?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return exec.Filters{}, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
				TickSize    string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return exec.Filters{}, fmt.Errorf("venue: exchangeInfo decode: %w", err)
	}

	var filters exec.Filters
	found := false
	for _, s := range raw.Symbols {
		if s.Symbol != symbol {
			continue
		}
		found = true
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				filters.StepSize = strF(f.StepSize)
				filters.MinQty = strF(f.MinQty)
			case "MIN_NOTIONAL":
				// spot uses minNotional, futures uses notional
				if v := strF(f.Notional); v > 0 {
					filters.MinNotional = v
				} else {
					filters.MinNotional = strF(f.MinNotional)
				}
			case "PRICE_FILTER":
				filters.TickSize = strF(f.TickSize)
			}
		}
	}
	if !found {
		return exec.Filters{}, fmt.Errorf("venue: symbol %s not in exchangeInfo", symbol)
	}
	if b.cache != nil {
		b.cache.Put(ctx, symbol, filters)
	}
	return filters, nil
}

func strF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// anyF converts a kline row element, which may arrive as a JSON number or a
// quoted decimal string.
func anyF(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		return strF(x)
	case float64:
		return x
	}
	return 0
}
