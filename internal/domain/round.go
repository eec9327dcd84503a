package domain

import "math"

// PositionSide is the direction of a round.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s PositionSide) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Fill is one individual order fill belonging to a round.
type Fill struct {
	TradeID   string
	RoundID   string
	Price     float64
	Quantity  float64
	Timestamp int64 // Unix timestamp in milliseconds
	IsOpen    bool  // opening fill vs closing fill
}

// Round is one closed (or open) trading position, possibly filled across
// multiple orders, summarized by average entry/exit price and quantity.
type Round struct {
	RoundID    string
	Symbol     string
	Exchange   string
	Market     string
	Side       PositionSide
	EntryPrice float64 // averaged over open fills
	ExitPrice  float64 // averaged over close fills
	Quantity   float64
	OpenTime   int64 // Unix timestamp in milliseconds
	CloseTime  int64 // Unix timestamp in milliseconds

	// OpenFills holds the individual opening fills ordered by timestamp,
	// used for multi-leg early-stop detection. May be nil.
	OpenFills []*Fill
}

// RealizedPnl returns the round's actual profit in quote currency.
func (r *Round) RealizedPnl() float64 {
	return (r.ExitPrice - r.EntryPrice) * r.Side.Sign() * r.Quantity
}

// Valid reports whether the round can participate in a simulation:
// finite positive prices/quantity and a non-inverted time window.
func (r *Round) Valid() bool {
	for _, v := range []float64{r.EntryPrice, r.ExitPrice, r.Quantity} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return r.OpenTime <= r.CloseTime
}

// RoundFilter narrows the round population loaded for a simulation.
// Zero values mean "no constraint".
type RoundFilter struct {
	Symbol    string
	Exchange  string
	Market    string
	Side      PositionSide
	OpenFrom  int64 // inclusive, ms
	OpenTo    int64 // inclusive, ms
	OnlyClose bool  // only rounds that are fully closed
	Limit     int
}
