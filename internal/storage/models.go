package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trader is a tracked address. Addresses are stored normalized (lowercase
// 0x-prefixed); rows are deactivated, never deleted.
type Trader struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Address       string    `gorm:"uniqueIndex;size:42"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	IsActive      bool      `gorm:"index"`
}

// Trade is one fill. (trader_id, tid) is the natural key; duplicate inserts
// are silently dropped.
type Trade struct {
	ID            uint             `gorm:"primaryKey;autoIncrement"`
	TraderID      uint             `gorm:"uniqueIndex:idx_trades_trader_tid;index:idx_trades_trader_time"`
	Tid           int64            `gorm:"uniqueIndex:idx_trades_trader_tid"`
	Coin          string           `gorm:"index;size:32"`
	Side          string           `gorm:"size:1"`
	Size          decimal.Decimal  `gorm:"type:decimal(30,8)"`
	Price         decimal.Decimal  `gorm:"type:decimal(30,8)"`
	ClosedPnl     decimal.Decimal  `gorm:"type:decimal(30,8)"`
	Fee           decimal.Decimal  `gorm:"type:decimal(30,8)"`
	StartPosition *decimal.Decimal `gorm:"type:decimal(30,8)"`
	Direction     string           `gorm:"size:32"`
	Hash          string           `gorm:"size:66"`
	Oid           int64
	Crossed       bool
	IsLiquidation bool
	Timestamp     time.Time `gorm:"index:idx_trades_trader_time"`
	CreatedAt     time.Time
}

// FundingEvent is one funding payment, unique per (trader, coin, time).
type FundingEvent struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	TraderID     uint            `gorm:"uniqueIndex:idx_funding_natural"`
	Coin         string          `gorm:"uniqueIndex:idx_funding_natural;size:32"`
	Time         time.Time       `gorm:"uniqueIndex:idx_funding_natural;index"`
	FundingRate  decimal.Decimal `gorm:"type:decimal(30,8)"`
	Payment      decimal.Decimal `gorm:"type:decimal(30,8)"`
	PositionSize decimal.Decimal `gorm:"type:decimal(30,8)"`
	Hash         string          `gorm:"size:66"`
	CreatedAt    time.Time
}

// PnLSnapshot is the periodic durable capture of a trader's fold state,
// upsert-idempotent on (trader_id, timestamp). The raw accumulator columns
// (fees, counts) ride along so the in-memory state can be rebuilt exactly.
type PnLSnapshot struct {
	ID               uint             `gorm:"primaryKey;autoIncrement" json:"-"`
	TraderID         uint             `gorm:"uniqueIndex:idx_snapshots_trader_ts;index" json:"-"`
	Timestamp        time.Time        `gorm:"uniqueIndex:idx_snapshots_trader_ts;index" json:"timestamp"`
	RealizedPnl      decimal.Decimal  `gorm:"type:decimal(30,8)" json:"realizedPnl"`
	UnrealizedPnl    decimal.Decimal  `gorm:"type:decimal(30,8)" json:"unrealizedPnl"`
	TotalPnl         decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalPnl"`
	FundingPnl       decimal.Decimal  `gorm:"type:decimal(30,8)" json:"fundingPnl"`
	TradingPnl       decimal.Decimal  `gorm:"type:decimal(30,8)" json:"tradingPnl"`
	TotalFees        decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalFees"`
	TotalVolume      decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalVolume"`
	OpenPositions    int              `json:"openPositions"`
	TradeCount       int64            `json:"tradeCount"`
	LiquidationCount int64            `json:"liquidationCount"`
	FlipCount        int64            `json:"flipCount"`
	AccountValue     *decimal.Decimal `gorm:"type:decimal(30,8)" json:"accountValue,omitempty"`
	CreatedAt        time.Time        `json:"-"`
}

// PnLHourly is the hour-bucket aggregate fed by the snapshot path. The last
// snapshot inside a bucket wins.
type PnLHourly struct {
	ID            uint             `gorm:"primaryKey;autoIncrement" json:"-"`
	TraderID      uint             `gorm:"uniqueIndex:idx_hourly_trader_bucket;index" json:"-"`
	Bucket        time.Time        `gorm:"uniqueIndex:idx_hourly_trader_bucket" json:"bucket"`
	RealizedPnl   decimal.Decimal  `gorm:"type:decimal(30,8)" json:"realizedPnl"`
	UnrealizedPnl decimal.Decimal  `gorm:"type:decimal(30,8)" json:"unrealizedPnl"`
	TotalPnl      decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalPnl"`
	FundingPnl    decimal.Decimal  `gorm:"type:decimal(30,8)" json:"fundingPnl"`
	TradingPnl    decimal.Decimal  `gorm:"type:decimal(30,8)" json:"tradingPnl"`
	TotalVolume   decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalVolume"`
	OpenPositions int              `json:"openPositions"`
	AccountValue  *decimal.Decimal `gorm:"type:decimal(30,8)" json:"accountValue,omitempty"`
	UpdatedAt     time.Time        `json:"-"`
}

// PnLDaily is the day-bucket twin of PnLHourly.
type PnLDaily struct {
	ID            uint             `gorm:"primaryKey;autoIncrement" json:"-"`
	TraderID      uint             `gorm:"uniqueIndex:idx_daily_trader_bucket;index" json:"-"`
	Bucket        time.Time        `gorm:"uniqueIndex:idx_daily_trader_bucket" json:"bucket"`
	RealizedPnl   decimal.Decimal  `gorm:"type:decimal(30,8)" json:"realizedPnl"`
	UnrealizedPnl decimal.Decimal  `gorm:"type:decimal(30,8)" json:"unrealizedPnl"`
	TotalPnl      decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalPnl"`
	FundingPnl    decimal.Decimal  `gorm:"type:decimal(30,8)" json:"fundingPnl"`
	TradingPnl    decimal.Decimal  `gorm:"type:decimal(30,8)" json:"tradingPnl"`
	TotalVolume   decimal.Decimal  `gorm:"type:decimal(30,8)" json:"totalVolume"`
	OpenPositions int              `json:"openPositions"`
	AccountValue  *decimal.Decimal `gorm:"type:decimal(30,8)" json:"accountValue,omitempty"`
	UpdatedAt     time.Time        `json:"-"`
}

// DataGap marks a window with no snapshot coverage for a trader. Open while
// resolved_at is null.
type DataGap struct {
	ID         uint       `gorm:"primaryKey;autoIncrement"`
	TraderID   uint       `gorm:"uniqueIndex:idx_gaps_trader_start;index" json:"traderId"`
	GapStart   time.Time  `gorm:"uniqueIndex:idx_gaps_trader_start" json:"gapStart"`
	GapEnd     time.Time  `json:"gapEnd"`
	GapType    string     `gorm:"size:16" json:"gapType"`
	ResolvedAt *time.Time `gorm:"index" json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"-"`
}

// GapTypeSnapshots is the only gap type currently produced.
const GapTypeSnapshots = "snapshots"
