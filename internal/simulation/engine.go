// Package simulation replays closed trading rounds against candidate exit
// rules: for each stop-loss (or take-profit) percentage it answers what
// the outcome would have been had that rule applied instead of the real
// exit.
package simulation

import (
	"trade-risk-lab/internal/domain"
)

// SimulateRound replays one round against a candidate stop-loss level.
//
// Priority order:
//  1. Sentinel level: the round's real outcome, the rule never triggers.
//  2. Multi-leg early stop: with two or more opening fills, the stop price
//     derives from the first fill; if a bar strictly between the first and
//     second fill crosses it, the round closes there with only the first
//     fill's quantity.
//  3. Single path: chronological excursion scan against the averaged entry
//     price; on a trigger the exit is the theoretical stop price.
//  4. No bar data: the real realized outcome, untriggered.
//
// Bars must be ascending by open time and span the round's duration.
// level is a negative percentage; domain.NoStopLevel never triggers.
func SimulateRound(round *domain.Round, bars []*domain.Bar, level float64) *domain.TradeDetail {
	if level != domain.NoStopLevel && len(round.OpenFills) >= 2 {
		if d := simulateEarlyStop(round, bars, level); d != nil {
			return d
		}
	}
	return simulatePath(round, bars, level, domain.NoStopLevel)
}

// SimulateRoundTakeProfit replays one round with a fixed stop-loss level
// and a candidate take-profit level. Within the chronological scan the
// take-profit is checked before the stop-loss. tpLevel is a positive
// percentage; domain.NoStopLevel disables either rule.
func SimulateRoundTakeProfit(round *domain.Round, bars []*domain.Bar, stopLevel, tpLevel float64) *domain.TradeDetail {
	return simulatePath(round, bars, stopLevel, tpLevel)
}

// simulateEarlyStop checks for a stop trigger between the first and second
// opening fills. Returns nil when the window never crosses the stop price,
// letting the single-path scan take over.
func simulateEarlyStop(round *domain.Round, bars []*domain.Bar, level float64) *domain.TradeDetail {
	first := round.OpenFills[0]
	second := round.OpenFills[1]
	stopPrice := stopPriceFor(round.Side, first.Price, level)

	for _, b := range bars {
		inWindow := (b.OpenTime > first.Timestamp && b.OpenTime < second.Timestamp) ||
			(b.CloseTime > first.Timestamp && b.CloseTime < second.Timestamp)
		if !inWindow {
			continue
		}
		if !crossesStop(round.Side, b, stopPrice) {
			continue
		}

		// Deemed closed at the stop using only the first leg; later fills
		// never happened in this counterfactual.
		pnlRate := round.Side.Sign() * (stopPrice - first.Price) / first.Price * 100
		return &domain.TradeDetail{
			RoundID:          round.RoundID,
			Symbol:           round.Symbol,
			Side:             round.Side,
			EntryPrice:       first.Price,
			ExitPrice:        round.ExitPrice,
			FinalPrice:       stopPrice,
			Quantity:         first.Quantity,
			PnlRate:          pnlRate,
			PnlAmount:        pnlRate / 100 * first.Price * first.Quantity,
			WouldHitStopLoss: true,
			MaxDrawdownRate:  level,
		}
	}

	return nil
}

// simulatePath runs the chronological scan over the round's full duration.
// Take-profit (when enabled) is checked before stop-loss within each bar.
func simulatePath(round *domain.Round, bars []*domain.Bar, stopLevel, tpLevel float64) *domain.TradeDetail {
	d := &domain.TradeDetail{
		RoundID:    round.RoundID,
		Symbol:     round.Symbol,
		Side:       round.Side,
		EntryPrice: round.EntryPrice,
		ExitPrice:  round.ExitPrice,
		FinalPrice: round.ExitPrice,
		Quantity:   round.Quantity,
	}

	entry := round.EntryPrice
	maxAdverse := 0.0

	for _, b := range bars {
		adverse := adverseExcursion(round.Side, entry, b)
		if adverse < maxAdverse {
			maxAdverse = adverse
		}

		if tpLevel != domain.NoStopLevel {
			if favorableExcursion(round.Side, entry, b) >= tpLevel {
				d.FinalPrice = takeProfitPriceFor(round.Side, entry, tpLevel)
				d.WouldHitTakeProfit = true
				break
			}
		}

		if stopLevel != domain.NoStopLevel && maxAdverse <= stopLevel {
			// Exit at the theoretical stop price, not the bar's price.
			d.FinalPrice = stopPriceFor(round.Side, entry, stopLevel)
			d.WouldHitStopLoss = true
			break
		}
	}

	d.MaxDrawdownRate = maxAdverse
	d.PnlRate = round.Side.Sign() * (d.FinalPrice - entry) / entry * 100
	if d.WouldHitStopLoss || d.WouldHitTakeProfit {
		d.PnlAmount = d.PnlRate / 100 * entry * d.Quantity
	} else {
		// Untriggered (including no bar data): the round's real outcome.
		d.PnlAmount = round.RealizedPnl()
	}
	return d
}

// stopPriceFor returns the theoretical stop price for a negative level.
func stopPriceFor(side domain.PositionSide, entry, level float64) float64 {
	if side == domain.SideShort {
		return entry * (1 - level/100)
	}
	return entry * (1 + level/100)
}

// takeProfitPriceFor returns the theoretical take-profit price for a
// positive level.
func takeProfitPriceFor(side domain.PositionSide, entry, level float64) float64 {
	if side == domain.SideShort {
		return entry * (1 - level/100)
	}
	return entry * (1 + level/100)
}

// adverseExcursion is the bar's worst move against the position as a
// percentage of entry (<= 0 when adverse).
func adverseExcursion(side domain.PositionSide, entry float64, b *domain.Bar) float64 {
	if side == domain.SideShort {
		return (entry - b.High) / entry * 100
	}
	return (b.Low - entry) / entry * 100
}

// favorableExcursion is the bar's best move for the position as a
// percentage of entry (>= 0 when favorable).
func favorableExcursion(side domain.PositionSide, entry float64, b *domain.Bar) float64 {
	if side == domain.SideShort {
		return (entry - b.Low) / entry * 100
	}
	return (b.High - entry) / entry * 100
}

// crossesStop reports whether the bar's extreme reaches the stop price.
func crossesStop(side domain.PositionSide, b *domain.Bar, stopPrice float64) bool {
	if side == domain.SideShort {
		return b.High >= stopPrice
	}
	return b.Low <= stopPrice
}
