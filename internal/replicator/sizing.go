package replicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
)

// SizingInput carries every value a sizing mode might need. Not every field is
// used by every mode: FIXED_USD and PERCENT_EQUITY need Entry/SL/TickValue/
// Digits and, for PERCENT_EQUITY, the account's Equity or Balance.
type SizingInput struct {
	SourceLots decimal.Decimal
	Entry      decimal.Decimal
	SL         *decimal.Decimal
	TickValue  decimal.Decimal // monetary value of one price-digit move, per 1 lot
	Digits     int32

	Equity  decimal.Decimal
	Balance decimal.Decimal
}

// SizeLots computes the follower account's lot size for a new OPEN, applying
// the account's configured risk mode, then its lot multiplier and min/max lot
// clamp (in that order, matching mt5_bridge_server.py's
// _copy_open_to_account: risk sizing first, then multiplier, then clamp).
func SizeLots(acc config.AccountConfig, in SizingInput) (decimal.Decimal, error) {
	var lots decimal.Decimal

	switch acc.RiskMode {
	case "", config.RiskModeSourceVolume:
		lots = in.SourceLots
	case config.RiskModeFixedLot:
		lots = decimal.NewFromFloat(acc.RiskFixedLot)
	case config.RiskModeFixedUSD:
		l, err := riskBasedLots(acc, in, decimal.NewFromFloat(acc.RiskFixedUSD))
		if err != nil {
			return decimal.Zero, err
		}
		lots = l
	case config.RiskModePercentEquity:
		reference := in.Equity
		if acc.RiskReference == config.RiskReferenceBalance {
			reference = in.Balance
		}
		targetUSD := reference.Mul(decimal.NewFromFloat(acc.RiskPercent)).Div(decimal.NewFromInt(100))
		l, err := riskBasedLots(acc, in, targetUSD)
		if err != nil {
			return decimal.Zero, err
		}
		lots = l
	default:
		return decimal.Zero, fmt.Errorf("unknown risk mode %q", acc.RiskMode)
	}

	if acc.LotMultiplier > 0 {
		lots = lots.Mul(decimal.NewFromFloat(acc.LotMultiplier))
	}

	minLot := decimal.NewFromFloat(acc.MinLotSize)
	maxLot := decimal.NewFromFloat(acc.MaxLotSize)
	if minLot.IsPositive() && lots.LessThan(minLot) {
		lots = minLot
	}
	if maxLot.IsPositive() && lots.GreaterThan(maxLot) {
		lots = maxLot
	}
	return lots, nil
}

// riskBasedLots sizes a position so that a stop-loss hit loses approximately
// targetUSD: lots = targetUSD / riskPerLot, where riskPerLot is the monetary
// distance between entry and SL for one standard lot. When the source event
// carries no SL, acc.RejectIfNoSL rejects outright; otherwise acc.SourceVolumeFallback
// falls back to copying the source's own lot size rather than risk-sizing.
func riskBasedLots(acc config.AccountConfig, in SizingInput, targetUSD decimal.Decimal) (decimal.Decimal, error) {
	if in.SL == nil {
		if acc.RejectIfNoSL {
			return decimal.Zero, fmt.Errorf("risk-based sizing requires a stop-loss, rejecting (reject_if_no_sl)")
		}
		if acc.SourceVolumeFallback {
			return in.SourceLots, nil
		}
		return decimal.Zero, fmt.Errorf("risk-based sizing requires a stop-loss")
	}
	if in.Entry.IsZero() {
		return decimal.Zero, fmt.Errorf("risk-based sizing requires an entry price")
	}
	if in.TickValue.IsZero() {
		return decimal.Zero, fmt.Errorf("risk-based sizing requires a known tick value")
	}

	priceStep := decimal.New(1, -in.Digits)
	priceDistance := in.Entry.Sub(*in.SL).Abs()
	if priceDistance.IsZero() {
		return decimal.Zero, fmt.Errorf("stop-loss equals entry price, cannot size by risk")
	}

	ticks := priceDistance.Div(priceStep)
	riskPerLot := ticks.Mul(in.TickValue)
	if riskPerLot.IsZero() {
		return decimal.Zero, fmt.Errorf("computed zero risk per lot")
	}
	return targetUSD.Div(riskPerLot), nil
}

// ProportionalCloseUnits computes how many broker native units to close for a
// proportional partial close: pct = closeLots/masterOpenLots, clamped to
// [0,1], then round(pct * followerVolume), never exceeding followerVolume.
func ProportionalCloseUnits(closeLots, masterOpenLots decimal.Decimal, followerVolume int64) int64 {
	if masterOpenLots.IsZero() {
		return followerVolume
	}
	pct := closeLots.Div(masterOpenLots)
	if pct.LessThan(decimal.Zero) {
		pct = decimal.Zero
	}
	if pct.GreaterThan(decimal.NewFromInt(1)) {
		pct = decimal.NewFromInt(1)
	}
	units := pct.Mul(decimal.NewFromInt(followerVolume)).Round(0).IntPart()
	if units > followerVolume {
		units = followerVolume
	}
	if units < 0 {
		units = 0
	}
	return units
}
