package hyperliquid

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Wire types of the Hyperliquid info API. Responses carry numbers as strings;
// decimal.Decimal unmarshals both forms, so the structs below reject only
// genuine shape mismatches.

// Side markers used by fills.
const (
	SideBuy  = "B"
	SideSell = "A"
)

// infoRequest is the body POSTed to /info.
type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// Leverage describes the margin mode of a position.
type Leverage struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// Position is one leg of a clearinghouse snapshot. Szi is signed size.
type Position struct {
	Coin           string           `json:"coin"`
	Szi            decimal.Decimal  `json:"szi"`
	EntryPx        decimal.Decimal  `json:"entryPx"`
	PositionValue  decimal.Decimal  `json:"positionValue"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealizedPnl"`
	ReturnOnEquity decimal.Decimal  `json:"returnOnEquity"`
	Leverage       Leverage         `json:"leverage"`
	LiquidationPx  *decimal.Decimal `json:"liquidationPx"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
	MaxLeverage    int              `json:"maxLeverage"`
}

// AssetPosition wraps a Position with its accounting type.
type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

// MarginSummary aggregates account-level margin numbers.
type MarginSummary struct {
	AccountValue    decimal.Decimal `json:"accountValue"`
	TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
	TotalRawUsd     decimal.Decimal `json:"totalRawUsd"`
	TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
}

// ClearinghouseState is the authoritative account snapshot for one trader.
type ClearinghouseState struct {
	AssetPositions             []AssetPosition `json:"assetPositions"`
	CrossMarginSummary         MarginSummary   `json:"crossMarginSummary"`
	MarginSummary              MarginSummary   `json:"marginSummary"`
	CrossMaintenanceMarginUsed decimal.Decimal `json:"crossMaintenanceMarginUsed"`
	Withdrawable               decimal.Decimal `json:"withdrawable"`
	Time                       int64           `json:"time"`
}

// FillLiquidation is present on fills caused by a liquidation.
type FillLiquidation struct {
	LiquidatedUser string          `json:"liquidatedUser"`
	MarkPx         decimal.Decimal `json:"markPx"`
	Method         string          `json:"method"`
}

// Fill is one executed trade, identical on the REST and WS paths.
type Fill struct {
	Coin          string           `json:"coin"`
	Px            decimal.Decimal  `json:"px"`
	Sz            decimal.Decimal  `json:"sz"`
	Side          string           `json:"side"`
	Time          int64            `json:"time"`
	StartPosition decimal.Decimal  `json:"startPosition"`
	Dir           string           `json:"dir"`
	ClosedPnl     decimal.Decimal  `json:"closedPnl"`
	Hash          string           `json:"hash"`
	Oid           int64            `json:"oid"`
	Crossed       bool             `json:"crossed"`
	Fee           decimal.Decimal  `json:"fee"`
	Tid           int64            `json:"tid"`
	FeeToken      string           `json:"feeToken"`
	Liquidation   *FillLiquidation `json:"liquidation,omitempty"`
}

// IsLiquidation reports whether this fill was forced by the liquidator.
func (f *Fill) IsLiquidation() bool { return f.Liquidation != nil }

// FundingDelta is the inner payload of a funding event.
type FundingDelta struct {
	Coin        string          `json:"coin"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	Szi         decimal.Decimal `json:"szi"`
	Type        string          `json:"type"`
	Usdc        decimal.Decimal `json:"usdc"`
}

// UserFunding is one hourly funding payment as returned by userFunding.
type UserFunding struct {
	Delta FundingDelta `json:"delta"`
	Hash  string       `json:"hash"`
	Time  int64        `json:"time"`
}

// TimeValue is a [unixMillis, "value"] pair from portfolio histories.
type TimeValue struct {
	Time  int64
	Value decimal.Decimal
}

// UnmarshalJSON decodes the tuple-array form.
func (tv *TimeValue) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &tv.Time); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &tv.Value)
}

// PortfolioPeriod is one aggregation window of the portfolio response.
type PortfolioPeriod struct {
	AccountValueHistory []TimeValue     `json:"accountValueHistory"`
	PnlHistory          []TimeValue     `json:"pnlHistory"`
	Vlm                 decimal.Decimal `json:"vlm"`
}

// Portfolio maps period name ("day", "week", ...) to its history. The wire
// form is a list of [name, period] tuples.
type Portfolio map[string]PortfolioPeriod

// UnmarshalJSON decodes the tuple-list form.
func (p *Portfolio) UnmarshalJSON(data []byte) error {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(Portfolio, len(rows))
	for _, row := range rows {
		var name string
		if err := json.Unmarshal(row[0], &name); err != nil {
			return err
		}
		var period PortfolioPeriod
		if err := json.Unmarshal(row[1], &period); err != nil {
			return err
		}
		out[name] = period
	}
	*p = out
	return nil
}

// AllMids maps coin to current mid price.
type AllMids map[string]decimal.Decimal

// ValidAddress reports whether addr is a 0x-prefixed 40-hex-digit address.
func ValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// NormalizeAddress validates addr and returns its canonical lowercase form,
// the only form used as a key anywhere in the indexer.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !ValidAddress(addr) {
		return "", fmt.Errorf("invalid trader address %q", addr)
	}
	return strings.ToLower(addr), nil
}
