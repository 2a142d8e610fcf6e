// Package alert pushes operational notifications to Telegram: coverage gaps
// opening and closing, circuit breakers tripping, and the rate budget giving
// out. Alerts are fire-and-forget; a slow or failing Telegram API never
// backpressures the pipeline.
package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/ratelimit"
	"github.com/0xquant/hltracker/internal/storage"
	"github.com/0xquant/hltracker/internal/stream"
)

const (
	queueSize     = 32
	breakerRescan = 30 * time.Second
)

// StatusProvider answers the /status command.
type StatusProvider interface {
	Tracked() []string
	BudgetStats() ratelimit.Stats
	GapStats() (storage.GapStats, error)
}

// Notifier owns the Telegram connection, an outbound queue drained by one
// sender goroutine, and a small command loop for the authorized chat.
type Notifier struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	status  StatusProvider
	queue   chan string
	stopCh  chan struct{}
	running bool

	sendFn func(text string)
}

// New connects to the bot API. status may be nil; /status then reports only
// that the tracker is up.
func New(token string, chatID int64, status StatusProvider) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	n := &Notifier{
		api:    api,
		chatID: chatID,
		status: status,
		queue:  make(chan string, queueSize),
		stopCh: make(chan struct{}),
	}
	n.sendFn = n.sendMarkdown
	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier ready")
	return n, nil
}

// Start launches the sender and command loops.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.senderLoop()
	if n.api != nil {
		go n.commandLoop()
	}
	log.Info().Msg("telegram notifier started")
}

// Stop stops both loops. Queued alerts that have not been sent are dropped.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
	log.Info().Msg("telegram notifier stopped")
}

// GapOpened reports a fresh coverage gap.
func (n *Notifier) GapOpened(address string, start, end time.Time) {
	n.enqueue(gapOpenedMessage(address, start, end))
}

// GapResolved reports a gap closed by a new snapshot.
func (n *Notifier) GapResolved(address string, at time.Time) {
	n.enqueue(gapResolvedMessage(address, at))
}

// CircuitOpened reports a stream shedding items.
func (n *Notifier) CircuitOpened(streamName string) {
	n.enqueue(fmt.Sprintf("🛑 *CIRCUIT OPEN*\n\nstream `%s` is failing, items are being shed", streamName))
}

// CircuitRecovered reports a stream back in service.
func (n *Notifier) CircuitRecovered(streamName string) {
	n.enqueue(fmt.Sprintf("🟢 *CIRCUIT CLOSED*\n\nstream `%s` recovered", streamName))
}

// BudgetExhausted reports a caller that gave up waiting for rate budget.
func (n *Notifier) BudgetExhausted(scope string) {
	n.enqueue(fmt.Sprintf("⏳ *RATE BUDGET EXHAUSTED*\n\n`%s` gave up after repeated refusals", scope))
}

// Startup announces the tracker coming up.
func (n *Notifier) Startup(traders int, hybrid bool) {
	mode := "poll"
	if hybrid {
		mode = "hybrid"
	}
	n.enqueue(fmt.Sprintf(`🚀 *HLTRACKER STARTED*
━━━━━━━━━━━━━━━━━━━━

👤 Traders: *%d*
📡 Mode: *%s*

Use /help for commands`, traders, mode))
}

// WatchBreakers notifies on breaker transitions until Stop. Breakers are
// created lazily per stream, so the list is rescanned periodically and new
// ones picked up; the first scan happens before this returns.
func (n *Notifier) WatchBreakers(list func() []*stream.Breaker) {
	seen := make(map[*stream.Breaker]struct{})
	scan := func() {
		for _, br := range list() {
			if _, ok := seen[br]; ok {
				continue
			}
			seen[br] = struct{}{}
			go n.watchStates(br.States())
		}
	}
	scan()

	go func() {
		t := time.NewTicker(breakerRescan)
		defer t.Stop()
		for {
			select {
			case <-n.stopCh:
				return
			case <-t.C:
				scan()
			}
		}
	}()
}

func (n *Notifier) watchStates(ch <-chan stream.StateChange) {
	for {
		select {
		case <-n.stopCh:
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case sc.To == stream.StateOpen:
				n.CircuitOpened(sc.Stream)
			case sc.From == stream.StateHalfOpen && sc.To == stream.StateClosed:
				n.CircuitRecovered(sc.Stream)
			}
		}
	}
}

// enqueue hands a message to the sender without ever blocking the caller.
func (n *Notifier) enqueue(text string) {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return
	}
	select {
	case n.queue <- text:
	default:
		log.Warn().Msg("alert queue full, dropping notification")
	}
}

func (n *Notifier) senderLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case text := <-n.queue:
			n.sendFn(text)
		}
	}
}

func (n *Notifier) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram send failed")
	}
}

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != n.chatID {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		n.enqueue(`🤖 *HLTRACKER COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status - tracker status
🏓 /ping - test connection`)
	case "status":
		n.enqueue(n.statusMessage())
	case "ping":
		n.enqueue("🏓 pong")
	default:
		n.enqueue("❓ Unknown command. Use /help")
	}
}

func (n *Notifier) statusMessage() string {
	if n.status == nil {
		return "🟢 tracker running"
	}

	tracked := n.status.Tracked()
	stats := n.status.BudgetStats()

	gapsLine := "n/a"
	if gs, err := n.status.GapStats(); err == nil {
		gapsLine = fmt.Sprintf("%d", gs.OpenCount)
	}

	return fmt.Sprintf(`📊 *TRACKER STATUS*
━━━━━━━━━━━━━━━━━━━━

👤 Traders: *%d*
⚖️ Budget: *%d/%d* (%d%%)
🕳️ Open gaps: *%s*`,
		len(tracked),
		stats.WeightPerMin, stats.Max, stats.Utilization,
		gapsLine,
	)
}

func gapOpenedMessage(address string, start, end time.Time) string {
	return fmt.Sprintf(`⚠️ *DATA GAP*

👤 %s
⏱️ %s → %s UTC (%s)`,
		shortAddr(address),
		start.UTC().Format("Jan 2 15:04"),
		end.UTC().Format("15:04"),
		end.Sub(start).Round(time.Minute),
	)
}

func gapResolvedMessage(address string, at time.Time) string {
	return fmt.Sprintf(`✅ *GAP RESOLVED*

👤 %s
⏱️ closed at %s UTC`,
		shortAddr(address),
		at.UTC().Format("Jan 2 15:04"),
	)
}

// shortAddr renders 0x1234…cdef for readable alerts.
func shortAddr(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}
