// Package api is the HTTP surface of the tracker: health and Prometheus
// endpoints, trader subscription control, live PnL reads, historical
// snapshot ranges and operational stats. Handlers are glue; every decision
// lives in the packages they call.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/backfill"
	"github.com/0xquant/hltracker/internal/hyperliquid"
	"github.com/0xquant/hltracker/internal/ingest"
	"github.com/0xquant/hltracker/internal/ratelimit"
	"github.com/0xquant/hltracker/internal/storage"
)

// Tracker is the subscription surface the server drives.
type Tracker interface {
	Track(address string) error
	Untrack(address string) error
	Live(address string) (*ingest.LivePnL, bool)
	Tracked() []string
}

// Backfiller loads history for a freshly tracked trader.
type Backfiller interface {
	Run(ctx context.Context, trader *storage.Trader) (backfill.Result, error)
}

// GapSource reports coverage-gap statistics.
type GapSource interface {
	Stats() (storage.GapStats, error)
}

// Server owns the router and the http.Server around it.
type Server struct {
	tracker  Tracker
	db       *storage.Database
	budget   *ratelimit.Budget
	gaps     GapSource
	backfill Backfiller

	srv *http.Server
}

// New builds the server. gaps and bf may be nil; the matching endpoints then
// degrade (gap stats 503, no backfill kick on subscribe).
func New(addr string, tracker Tracker, db *storage.Database, budget *ratelimit.Budget, gaps GapSource, bf Backfiller) *Server {
	s := &Server{
		tracker:  tracker,
		db:       db,
		budget:   budget,
		gaps:     gaps,
		backfill: bf,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http api server failed")
		}
	}()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type route struct {
	name    string
	method  string
	pattern string
	handler http.Handler
}

func (s *Server) router() *mux.Router {
	routes := []route{
		{"Health", http.MethodGet, "/health", http.HandlerFunc(s.handleHealth)},
		{"Metrics", http.MethodGet, "/metrics", promhttp.Handler()},
		{"ListTraders", http.MethodGet, "/api/traders", http.HandlerFunc(s.handleListTraders)},
		{"TrackTrader", http.MethodPost, "/api/traders", http.HandlerFunc(s.handleTrackTrader)},
		{"UntrackTrader", http.MethodDelete, "/api/traders/{address}", http.HandlerFunc(s.handleUntrackTrader)},
		{"TraderPnl", http.MethodGet, "/api/traders/{address}/pnl", http.HandlerFunc(s.handleTraderPnl)},
		{"TraderSnapshots", http.MethodGet, "/api/traders/{address}/snapshots", http.HandlerFunc(s.handleTraderSnapshots)},
		{"RateBudget", http.MethodGet, "/api/stats/ratebudget", http.HandlerFunc(s.handleRateBudget)},
		{"GapStats", http.MethodGet, "/api/stats/gaps", http.HandlerFunc(s.handleGapStats)},
	}

	r := mux.NewRouter().StrictSlash(true)
	for _, rt := range routes {
		r.Methods(rt.method).
			Path(rt.pattern).
			Name(rt.name).
			Handler(requestLogger(rt.handler, rt.name))
	}
	return r
}

func requestLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.RequestURI).
			Str("route", name).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

type traderInfo struct {
	Address     string    `json:"address"`
	Live        bool      `json:"live"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastUpdated time.Time `json:"lastUpdatedAt"`
}

func (s *Server) handleListTraders(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.db.Traders.Active()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	live := make(map[string]bool, len(rows))
	for _, addr := range s.tracker.Tracked() {
		live[addr] = true
	}

	out := make([]traderInfo, 0, len(rows))
	for _, t := range rows {
		out = append(out, traderInfo{
			Address:     t.Address,
			Live:        live[t.Address],
			FirstSeenAt: t.FirstSeenAt,
			LastUpdated: t.LastUpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrackTrader(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	addr, err := hyperliquid.NormalizeAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.tracker.Track(addr); err != nil {
		if errors.Is(err, ingest.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, "ingester not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"address": addr, "tracking": true}
	if s.backfill != nil {
		if trader, err := s.db.Traders.ByAddress(addr); err == nil && trader != nil {
			go s.runBackfill(trader)
			resp["backfill"] = "started"
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) runBackfill(trader *storage.Trader) {
	if _, err := s.backfill.Run(context.Background(), trader); err != nil && !errors.Is(err, backfill.ErrAlreadyRunning) {
		log.Error().Err(err).Str("address", trader.Address).Msg("backfill after subscribe failed")
	}
}

func (s *Server) handleUntrackTrader(w http.ResponseWriter, r *http.Request) {
	addr, err := hyperliquid.NormalizeAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.tracker.Untrack(addr); err != nil {
		switch {
		case errors.Is(err, ingest.ErrNotTracked):
			writeError(w, http.StatusNotFound, "trader not tracked")
		case errors.Is(err, ingest.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, "ingester not running")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "tracking": false})
}

func (s *Server) handleTraderPnl(w http.ResponseWriter, r *http.Request) {
	live, ok := s.tracker.Live(mux.Vars(r)["address"])
	if !ok {
		writeError(w, http.StatusNotFound, "trader not tracked")
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleTraderSnapshots(w http.ResponseWriter, r *http.Request) {
	addr, err := hyperliquid.NormalizeAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trader, err := s.db.Traders.ByAddress(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trader == nil {
		writeError(w, http.StatusNotFound, "unknown trader")
		return
	}

	q := r.URL.Query()
	gran, err := storage.ParseGranularity(q.Get("granularity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	var data any
	switch gran {
	case storage.GranularityHourly:
		rows, err := s.db.Snapshots.HourlyRange(trader.ID, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rows == nil {
			rows = []storage.PnLHourly{}
		}
		data = rows
	case storage.GranularityDaily:
		rows, err := s.db.Snapshots.DailyRange(trader.ID, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rows == nil {
			rows = []storage.PnLDaily{}
		}
		data = rows
	default:
		rows, err := s.db.Snapshots.Range(trader.ID, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rows == nil {
			rows = []storage.PnLSnapshot{}
		}
		data = rows
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address":     addr,
		"granularity": gran,
		"from":        from,
		"to":          to,
		"snapshots":   data,
	})
}

func (s *Server) handleRateBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.budget.Stats())
}

func (s *Server) handleGapStats(w http.ResponseWriter, _ *http.Request) {
	if s.gaps == nil {
		writeError(w, http.StatusServiceUnavailable, "gap detector not configured")
		return
	}
	stats, err := s.gaps.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseTime accepts unix milliseconds or RFC3339.
func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: want RFC3339 or unix milliseconds", v)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode http response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
