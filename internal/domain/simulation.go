package domain

// NoStopLevel is the reserved sentinel level meaning "no stop ever
// triggers". Stop-loss levels are strictly negative percentages, so zero
// can never fire.
const NoStopLevel = 0.0

// TradeDetail is the per-round outcome of replaying one candidate exit rule.
type TradeDetail struct {
	RoundID            string
	Symbol             string
	Side               PositionSide
	EntryPrice         float64
	ExitPrice          float64 // the round's real exit price
	FinalPrice         float64 // exit price after applying the candidate rule
	Quantity           float64 // quantity the rule acted on (first-fill qty in early-stop case)
	PnlAmount          float64
	PnlRate            float64 // percent
	WouldHitStopLoss   bool
	WouldHitTakeProfit bool
	MaxDrawdownRate    float64 // max adverse excursion, percent (<= 0 when adverse)
}

// SimulationLevel aggregates trade details for one candidate percentage.
type SimulationLevel struct {
	Level             float64 // signed percent; NoStopLevel is the sentinel
	TotalTrades       int
	ProfitTrades      int
	LossTrades        int
	StopLossCount     int // trades the candidate stop would have closed
	TakeProfitCount   int // trades the candidate take-profit would have closed
	TotalProfitAmount float64
	TotalLossAmount   float64 // absolute value
	TotalNetProfit    float64
	WinRate           float64
	AvgProfit         float64
	AvgLoss           float64
	ProfitFactor      float64
	Details           []*TradeDetail
}

// Add folds one trade detail into the level's aggregates.
func (l *SimulationLevel) Add(d *TradeDetail) {
	l.TotalTrades++
	l.TotalNetProfit += d.PnlAmount
	if d.WouldHitStopLoss {
		l.StopLossCount++
	}
	if d.WouldHitTakeProfit {
		l.TakeProfitCount++
	}
	if d.PnlAmount > 0 {
		l.ProfitTrades++
		l.TotalProfitAmount += d.PnlAmount
	} else if d.PnlAmount < 0 {
		l.LossTrades++
		l.TotalLossAmount += -d.PnlAmount
	}
	l.Details = append(l.Details, d)
}

// Finalize computes the derived ratios once all details are added.
func (l *SimulationLevel) Finalize() {
	if l.TotalTrades > 0 {
		l.WinRate = float64(l.ProfitTrades) / float64(l.TotalTrades)
	}
	if l.ProfitTrades > 0 {
		l.AvgProfit = l.TotalProfitAmount / float64(l.ProfitTrades)
	}
	if l.LossTrades > 0 {
		l.AvgLoss = l.TotalLossAmount / float64(l.LossTrades)
		if l.AvgLoss > 0 {
			l.ProfitFactor = l.AvgProfit / l.AvgLoss
		}
	}
}

// LevelReport is the result of a stop-loss level sweep.
type LevelReport struct {
	Optimal *SimulationLevel
	Levels  []*SimulationLevel
}

// TakeProfitReport is the result of a take-profit sweep with a fixed stop.
type TakeProfitReport struct {
	StopLevel float64
	Optimal   *SimulationLevel
	Levels    []*SimulationLevel
}

// CacheStats is a point-in-time snapshot of the range cache.
type CacheStats struct {
	Entries         int   `json:"entries"`
	DataPoints      int   `json:"data_points"`
	EstimatedMemory int64 `json:"estimated_memory_bytes"`
	Offline         bool  `json:"offline"`
	Inflight        int   `json:"inflight"`
}
