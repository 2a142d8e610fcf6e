// hltracker indexes per-trader PnL on Hyperliquid: it polls clearinghouse
// state, fills and funding for every tracked address (with websocket pushes
// layered on top in hybrid mode), folds them into realized/unrealized PnL,
// persists periodic snapshots and serves the result over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/alert"
	"github.com/0xquant/hltracker/internal/api"
	"github.com/0xquant/hltracker/internal/backfill"
	"github.com/0xquant/hltracker/internal/config"
	"github.com/0xquant/hltracker/internal/gaps"
	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/ingest"
	"github.com/0xquant/hltracker/internal/prices"
	"github.com/0xquant/hltracker/internal/ratelimit"
	"github.com/0xquant/hltracker/internal/storage"
	"github.com/0xquant/hltracker/internal/stream"
)

const version = "1.0.0"

// trackerStatus feeds the Telegram /status command. Fields are filled in as
// components come up, before the notifier starts serving commands.
type trackerStatus struct {
	ing      *ingest.Ingester
	budget   *ratelimit.Budget
	detector *gaps.Detector
}

func (s *trackerStatus) Tracked() []string {
	if s.ing == nil {
		return nil
	}
	return s.ing.Tracked()
}

func (s *trackerStatus) BudgetStats() ratelimit.Stats {
	return s.budget.Stats()
}

func (s *trackerStatus) GapStats() (storage.GapStats, error) {
	if s.detector == nil {
		return storage.GapStats{}, nil
	}
	return s.detector.Stats()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().
		Str("version", version).
		Bool("hybrid", cfg.UseHybridMode).
		Int("seed_traders", len(cfg.TraderAddresses)).
		Int("backfill_days", cfg.BackfillDays).
		Msg("hltracker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	budget := ratelimit.NewBudget()
	client := hyperliquid.NewClient(cfg.APIURL, budget)

	var ws *hyperliquid.WSClient
	if cfg.UseHybridMode {
		ws = hyperliquid.NewWSClient(cfg.WSURL)
		ws.Start()
		log.Info().Str("url", cfg.WSURL).Msg("websocket client started")
	}

	status := &trackerStatus{budget: budget}

	var notifier *alert.Notifier
	if cfg.AlertsEnabled() {
		notifier, err = alert.New(cfg.TelegramToken, cfg.TelegramChatID, status)
		if err != nil {
			log.Warn().Err(err).Msg("telegram alerts disabled")
			notifier = nil
		}
	}

	var alerter gaps.Alerter
	if notifier != nil {
		alerter = notifier
	}
	detector := gaps.New(db, alerter)
	status.detector = detector

	var marks ingest.MarkSource
	var priceSvc *prices.Service
	var midsBreaker *stream.Breaker
	if ws != nil {
		midsBreaker = stream.NewBreaker("allMids", stream.DefaultBreaker)
		priceSvc = prices.New(stream.Compose(ingest.NewMidsSource(ws), midsBreaker))
		priceSvc.Start()
		marks = priceSvc
	}

	var feed ingest.Feed
	if ws != nil {
		feed = ws
	}
	ing := ingest.New(cfg, client, feed, db, marks, detector)
	status.ing = ing

	var bfAlerts backfill.Notifier
	if notifier != nil {
		bfAlerts = notifier
	}
	runner := backfill.New(client, db, budget, bfAlerts, cfg.BackfillDays)

	if err := ing.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start ingester")
	}

	if opened, err := detector.ScanOnStartup(); err != nil {
		log.Warn().Err(err).Msg("startup gap scan failed")
	} else if opened > 0 {
		log.Warn().Int64("gaps", opened).Msg("coverage gaps detected on startup")
	}

	// Seed traders from config; load history for addresses with no stored
	// trades yet.
	for _, a := range cfg.TraderAddresses {
		addr, err := hyperliquid.NormalizeAddress(a)
		if err != nil {
			log.Warn().Err(err).Str("address", a).Msg("skipping invalid seed trader")
			continue
		}
		if err := ing.Track(addr); err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("failed to track seed trader")
			continue
		}
		if cfg.BackfillDays > 0 {
			go seedBackfill(ctx, runner, db, addr)
		}
	}

	var bf api.Backfiller
	if cfg.BackfillDays > 0 {
		bf = runner
	}
	srv := api.New(fmt.Sprintf(":%d", cfg.ServerPort), ing, db, budget, detector, bf)
	srv.Start()

	if notifier != nil {
		notifier.Start()
		notifier.WatchBreakers(func() []*stream.Breaker {
			brs := ing.Breakers()
			if midsBreaker != nil {
				brs = append(brs, midsBreaker)
			}
			return brs
		})
		notifier.Startup(len(ing.Tracked()), cfg.UseHybridMode)
	}

	log.Info().Int("port", cfg.ServerPort).Msg("all systems online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	cancel()
	ing.Stop()
	if priceSvc != nil {
		priceSvc.Stop()
	}
	if ws != nil {
		ws.Close()
	}
	if notifier != nil {
		notifier.Stop()
	}
	db.Close()

	log.Info().Msg("goodbye")
}

// seedBackfill loads history for a seed trader that has no trades stored.
func seedBackfill(ctx context.Context, runner *backfill.Runner, db *storage.Database, addr string) {
	trader, err := db.Traders.ByAddress(addr)
	if err != nil || trader == nil {
		return
	}
	latest, err := db.Trades.LatestTime(trader.ID)
	if err != nil || !latest.IsZero() {
		return
	}
	if _, err := runner.Run(ctx, trader); err != nil {
		log.Error().Err(err).Str("address", addr).Msg("seed backfill failed")
	}
}
