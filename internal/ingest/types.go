// Package ingest owns the data flow from the exchange into storage: the
// polled and pushed source streams, the per-trader fold states, the snapshot
// cadence, and the typed event fan-out consumers subscribe to.
package ingest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/ratelimit"
)

// EventType tags the fan-out events.
type EventType string

const (
	EventFill     EventType = "fill"
	EventSnapshot EventType = "snapshot"
	EventFunding  EventType = "funding"
)

// Event is one ingestion occurrence pushed to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Address   string    `json:"address"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// TraderPositions pairs an address with its latest clearinghouse snapshot.
type TraderPositions struct {
	Address string
	State   *hyperliquid.ClearinghouseState
}

// TraderFills is one trader's batch of new fills.
type TraderFills struct {
	Address string
	Fills   []hyperliquid.Fill
}

// TraderFunding is one trader's batch of new funding payments.
type TraderFunding struct {
	Address string
	Events  []hyperliquid.UserFunding
}

// InfoClient is the slice of the exchange HTTP client the sources consume.
type InfoClient interface {
	ClearinghouseState(ctx context.Context, user string, priority ratelimit.Priority) (*hyperliquid.ClearinghouseState, error)
	UserFillsByTime(ctx context.Context, user string, startTime, endTime int64, priority ratelimit.Priority) ([]hyperliquid.Fill, error)
	UserFunding(ctx context.Context, user string, startTime int64, priority ratelimit.Priority) ([]hyperliquid.UserFunding, error)
}

// Feed is the slice of the WebSocket client the push adapters consume.
type Feed interface {
	UserEvents(address string) (<-chan hyperliquid.WsUserEvent, func())
	WebData2(address string) (<-chan hyperliquid.WsWebData2, func())
	AllMids() (<-chan hyperliquid.AllMids, func())
}

// MarkSource supplies mid-prices for snapshot-time unrealized refresh.
type MarkSource interface {
	Get(coin string) (decimal.Decimal, bool)
}

// GapResolver closes open coverage gaps once fresh snapshots land.
type GapResolver interface {
	ResolveFor(traderID uint, address string) error
}

// addressProvider returns the tracked address set at tick time.
type addressProvider func() []string
