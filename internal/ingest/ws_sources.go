package ingest

import (
	"context"

	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/stream"
)

// NewUserEventsSource adapts a per-trader userEvents subscription into a
// stream source. The upstream channel closing (client shutdown or feed
// teardown) closes the source, which the retry operator treats as death.
func NewUserEventsSource(ws Feed, address string) stream.Source[hyperliquid.WsUserEvent] {
	return stream.NewFunc("userEvents", func(ctx context.Context) <-chan stream.Event[hyperliquid.WsUserEvent] {
		out := make(chan stream.Event[hyperliquid.WsUserEvent])
		go func() {
			defer close(out)
			in, cancel := ws.UserEvents(address)
			defer cancel()
			pump(ctx, in, out)
		}()
		return out
	})
}

// NewWebDataSource adapts a per-trader webData2 subscription, which pushes
// clearinghouse snapshots between positions polls.
func NewWebDataSource(ws Feed, address string) stream.Source[hyperliquid.WsWebData2] {
	return stream.NewFunc("webData2", func(ctx context.Context) <-chan stream.Event[hyperliquid.WsWebData2] {
		out := make(chan stream.Event[hyperliquid.WsWebData2])
		go func() {
			defer close(out)
			in, cancel := ws.WebData2(address)
			defer cancel()
			pump(ctx, in, out)
		}()
		return out
	})
}

// NewMidsSource adapts the global allMids subscription.
func NewMidsSource(ws Feed) stream.Source[hyperliquid.AllMids] {
	return stream.NewFunc("allMids", func(ctx context.Context) <-chan stream.Event[hyperliquid.AllMids] {
		out := make(chan stream.Event[hyperliquid.AllMids])
		go func() {
			defer close(out)
			in, cancel := ws.AllMids()
			defer cancel()
			pump(ctx, in, out)
		}()
		return out
	})
}

func pump[T any](ctx context.Context, in <-chan T, out chan<- stream.Event[T]) {
	for {
		select {
		case v, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- stream.Ok(v):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
