package ingest

import (
	"time"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/pnl"
	"github.com/0xquant/hltracker/internal/storage"
)

func fillToRow(traderID uint, f hyperliquid.Fill) storage.Trade {
	sp := f.StartPosition
	return storage.Trade{
		TraderID:      traderID,
		Tid:           f.Tid,
		Coin:          f.Coin,
		Side:          f.Side,
		Size:          f.Sz,
		Price:         f.Px,
		ClosedPnl:     f.ClosedPnl,
		Fee:           f.Fee,
		StartPosition: &sp,
		Direction:     f.Dir,
		Hash:          f.Hash,
		Oid:           f.Oid,
		Crossed:       f.Crossed,
		IsLiquidation: f.IsLiquidation(),
		Timestamp:     time.UnixMilli(f.Time),
	}
}

func fillToPnl(f hyperliquid.Fill) pnl.Trade {
	sp := f.StartPosition
	return pnl.Trade{
		Coin:          f.Coin,
		Side:          f.Side,
		Size:          f.Sz,
		Price:         f.Px,
		ClosedPnl:     f.ClosedPnl,
		Fee:           f.Fee,
		StartPosition: &sp,
		Direction:     f.Dir,
		IsLiquidation: f.IsLiquidation(),
		Time:          time.UnixMilli(f.Time),
	}
}

func rowToPnlTrade(r storage.Trade) pnl.Trade {
	return pnl.Trade{
		Coin:          r.Coin,
		Side:          r.Side,
		Size:          r.Size,
		Price:         r.Price,
		ClosedPnl:     r.ClosedPnl,
		Fee:           r.Fee,
		StartPosition: r.StartPosition,
		Direction:     r.Direction,
		IsLiquidation: r.IsLiquidation,
		Time:          r.Timestamp,
	}
}

func fundingToRow(traderID uint, u hyperliquid.UserFunding) storage.FundingEvent {
	return storage.FundingEvent{
		TraderID:     traderID,
		Coin:         u.Delta.Coin,
		Time:         time.UnixMilli(u.Time),
		FundingRate:  u.Delta.FundingRate,
		Payment:      u.Delta.Usdc,
		PositionSize: u.Delta.Szi,
		Hash:         u.Hash,
	}
}

func wsFundingToRow(traderID uint, w hyperliquid.WsUserFunding) storage.FundingEvent {
	return storage.FundingEvent{
		TraderID:     traderID,
		Coin:         w.Coin,
		Time:         time.UnixMilli(w.Time),
		FundingRate:  w.FundingRate,
		Payment:      w.Usdc,
		PositionSize: w.Szi,
	}
}

func rowToPnlFunding(r storage.FundingEvent) pnl.Funding {
	return pnl.Funding{
		Coin:         r.Coin,
		Rate:         r.FundingRate,
		Payment:      r.Payment,
		PositionSize: r.PositionSize,
		Time:         r.Time,
	}
}

func statePositions(cs *hyperliquid.ClearinghouseState) []pnl.Position {
	if cs == nil {
		return nil
	}
	out := make([]pnl.Position, 0, len(cs.AssetPositions))
	for _, ap := range cs.AssetPositions {
		p := ap.Position
		out = append(out, pnl.Position{
			Coin:           p.Coin,
			Size:           p.Szi,
			EntryPrice:     p.EntryPx,
			UnrealizedPnl:  p.UnrealizedPnl,
			PositionValue:  p.PositionValue,
			MarginUsed:     p.MarginUsed,
			MarginType:     p.Leverage.Type,
			Leverage:       p.Leverage.Value,
			LiquidationPx:  p.LiquidationPx,
			ReturnOnEquity: p.ReturnOnEquity,
		})
	}
	return out
}
