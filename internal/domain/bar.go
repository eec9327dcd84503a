package domain

import "sort"

// Bar is one OHLCV sample for a symbol/interval. Immutable once fetched.
type Bar struct {
	OpenTime    int64   // Unix timestamp in milliseconds, unique within a series
	CloseTime   int64   // Unix timestamp in milliseconds
	Open        float64 // price at interval open
	High        float64 // highest price in interval
	Low         float64 // lowest price in interval
	Close       float64 // price at interval close
	Volume      float64 // base asset volume
	QuoteVolume float64 // quote asset volume
	Trades      int     // number of trades aggregated
}

// SeriesKey identifies one bar series. Value equality makes it usable
// as a map key without string-concatenation ambiguity.
type SeriesKey struct {
	Exchange string // e.g. "BINANCE"
	Market   string // e.g. "SPOT", "FUTURES"
	Symbol   string // e.g. "BTCUSDT"
	Interval string // e.g. "1m", "5m", "1h", "1d"
}

// Supported bar intervals.
const (
	Interval1Min  = "1m"
	Interval5Min  = "5m"
	Interval15Min = "15m"
	Interval1Hour = "1h"
	Interval4Hour = "4h"
	Interval1Day  = "1d"
)

// Order specifies bar ordering for fetches.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// IntervalMs returns the nominal duration of an interval in milliseconds.
// Unknown intervals default to one minute.
func IntervalMs(interval string) int64 {
	switch interval {
	case Interval1Min:
		return 60_000
	case Interval5Min:
		return 300_000
	case Interval15Min:
		return 900_000
	case Interval1Hour:
		return 3_600_000
	case Interval4Hour:
		return 14_400_000
	case Interval1Day:
		return 86_400_000
	default:
		return 60_000
	}
}

// SortBars sorts bars in place by open time in the requested order.
func SortBars(bars []*Bar, order Order) {
	if order == OrderDesc {
		sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime > bars[j].OpenTime })
		return
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime < bars[j].OpenTime })
}

// DedupBars removes bars with duplicate open times, keeping the first
// occurrence. Input must already be sorted ascending by open time.
func DedupBars(bars []*Bar) []*Bar {
	if len(bars) < 2 {
		return bars
	}
	out := bars[:1]
	for _, b := range bars[1:] {
		if b.OpenTime != out[len(out)-1].OpenTime {
			out = append(out, b)
		}
	}
	return out
}

// FilterBars returns the bars whose open time falls within [start, end].
// Input order is preserved.
func FilterBars(bars []*Bar, start, end int64) []*Bar {
	var out []*Bar
	for _, b := range bars {
		if b.OpenTime >= start && b.OpenTime <= end {
			out = append(out, b)
		}
	}
	return out
}
