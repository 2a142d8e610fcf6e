// Package pnl holds the per-trader accounting state and the pure fold
// operations that advance it: fills, funding payments, and wholesale
// position refreshes from clearinghouse snapshots.
//
// Positions are only ever written by UpdatePositions. A fill therefore does
// not move the positions map, and cached unrealized values lag the live
// position until the next clearinghouse poll overwrites them.
package pnl

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open position as of the last clearinghouse refresh.
// Size is signed: positive long, negative short.
type Position struct {
	Coin           string           `json:"coin"`
	Size           decimal.Decimal  `json:"size"`
	EntryPrice     decimal.Decimal  `json:"entryPrice"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealizedPnl"`
	PositionValue  decimal.Decimal  `json:"positionValue"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
	MarginType     string           `json:"marginType"`
	Leverage       int              `json:"leverage"`
	LiquidationPx  *decimal.Decimal `json:"liquidationPx,omitempty"`
	ReturnOnEquity decimal.Decimal  `json:"returnOnEquity"`
}

// Trade is one executed fill, exchange-agnostic. StartPosition is the signed
// position size before the fill; it is nil when the venue did not report it.
type Trade struct {
	Coin          string
	Side          string
	Size          decimal.Decimal
	Price         decimal.Decimal
	ClosedPnl     decimal.Decimal
	Fee           decimal.Decimal
	StartPosition *decimal.Decimal
	Direction     string
	IsLiquidation bool
	Time          time.Time
}

// Funding is one funding payment. Payment is the signed USDC delta credited
// to the trader.
type Funding struct {
	Coin         string
	Rate         decimal.Decimal
	Payment      decimal.Decimal
	PositionSize decimal.Decimal
	Time         time.Time
}

// State accumulates a single trader's realized totals and open positions.
type State struct {
	TraderID uint
	Address  string

	RealizedTradingPnl decimal.Decimal
	RealizedFundingPnl decimal.Decimal
	TotalFees          decimal.Decimal
	TotalVolume        decimal.Decimal

	TradeCount       int64
	LiquidationCount int64
	FlipCount        int64

	Positions   map[string]Position
	LastUpdated time.Time
}

// Initial returns the zeroed state for a trader.
func Initial(traderID uint, address string) *State {
	return &State{
		TraderID:           traderID,
		Address:            address,
		RealizedTradingPnl: decimal.Zero,
		RealizedFundingPnl: decimal.Zero,
		TotalFees:          decimal.Zero,
		TotalVolume:        decimal.Zero,
		Positions:          make(map[string]Position),
	}
}

// ApplyTrade folds one fill into the realized totals. Positions are not
// touched here; they arrive wholesale via UpdatePositions.
func (s *State) ApplyTrade(t Trade) {
	s.RealizedTradingPnl = s.RealizedTradingPnl.Add(t.ClosedPnl)
	s.TotalFees = s.TotalFees.Add(t.Fee)
	s.TotalVolume = s.TotalVolume.Add(t.Size.Mul(t.Price))
	s.TradeCount++
	if t.IsLiquidation {
		s.LiquidationCount++
	}
	if IsFlip(t) {
		s.FlipCount++
	}
	s.LastUpdated = t.Time
}

// ApplyFunding folds one funding payment into the realized totals.
func (s *State) ApplyFunding(f Funding) {
	s.RealizedFundingPnl = s.RealizedFundingPnl.Add(f.Payment)
}

// UpdatePositions replaces the positions map with exactly the non-zero
// entries of the latest clearinghouse snapshot.
func (s *State) UpdatePositions(positions []Position) {
	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		next[p.Coin] = p
	}
	s.Positions = next
}

// OpenPositions returns the number of coins with a live position.
func (s *State) OpenPositions() int { return len(s.Positions) }

// Totals is the derived PnL breakdown of a state.
type Totals struct {
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Total      decimal.Decimal
	Funding    decimal.Decimal
	Trading    decimal.Decimal
	Fees       decimal.Decimal
}

// Totals derives the PnL breakdown: trading nets out fees, realized adds
// funding, unrealized sums the cached per-position values.
func (s *State) Totals() Totals {
	trading := s.RealizedTradingPnl.Sub(s.TotalFees)
	funding := s.RealizedFundingPnl
	realized := trading.Add(funding)

	unrealized := decimal.Zero
	for _, p := range s.Positions {
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}

	return Totals{
		Realized:   realized,
		Unrealized: unrealized,
		Total:      realized.Add(unrealized),
		Funding:    funding,
		Trading:    trading,
		Fees:       s.TotalFees,
	}
}

// IsFlip reports whether a fill crossed the position through zero. It needs
// the pre-fill position and the direction text; without both it answers no.
func IsFlip(t Trade) bool {
	if t.StartPosition == nil || t.Direction == "" {
		return false
	}
	start := *t.StartPosition
	if start.IsZero() {
		return false
	}
	if start.IsPositive() {
		return t.Side == "A" && t.Size.GreaterThan(start.Abs())
	}
	return t.Side == "B" && t.Size.GreaterThan(start.Abs())
}

// UnrealizedFor marks a position to a given price:
// (mark - entry) * |size| * sign(size).
func UnrealizedFor(size, entry, mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(entry)
	signed := diff.Mul(size.Abs())
	if size.IsNegative() {
		return signed.Neg()
	}
	return signed
}
