package hyperliquid

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xquant/hltracker/internal/metrics"
)

const (
	pingInterval       = 30 * time.Second
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	userEventBuffer = 256
	webDataBuffer   = 64
	midsBuffer      = 256
)

// ConnState is the lifecycle state of the WebSocket connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// WsUserFunding is the flattened funding payment pushed on userEvents.
type WsUserFunding struct {
	Time        int64           `json:"time"`
	Coin        string          `json:"coin"`
	Usdc        decimal.Decimal `json:"usdc"`
	Szi         decimal.Decimal `json:"szi"`
	FundingRate decimal.Decimal `json:"fundingRate"`
}

// WsLiquidation is pushed when the subscribed account is liquidated.
type WsLiquidation struct {
	Lid                    int64           `json:"lid"`
	Liquidator             string          `json:"liquidator"`
	LiquidatedUser         string          `json:"liquidated_user"`
	LiquidatedNtlPos       decimal.Decimal `json:"liquidated_ntl_pos"`
	LiquidatedAccountValue decimal.Decimal `json:"liquidated_account_value"`
}

// WsUserEvent is one userEvents push, attributed to a trader address.
type WsUserEvent struct {
	User        string
	Fills       []Fill
	Funding     *WsUserFunding
	Liquidation *WsLiquidation
}

type wsUserEventData struct {
	User        string         `json:"user,omitempty"`
	Fills       []Fill         `json:"fills,omitempty"`
	Funding     *WsUserFunding `json:"funding,omitempty"`
	Liquidation *WsLiquidation `json:"liquidation,omitempty"`
}

// WsWebData2 is the periodic account snapshot pushed on webData2.
type WsWebData2 struct {
	User               string              `json:"user"`
	ClearinghouseState *ClearinghouseState `json:"clearinghouseState"`
}

type wsAllMidsData struct {
	Mids map[string]decimal.Decimal `json:"mids"`
}

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type wsCommand struct {
	Method       string         `json:"method"`
	Subscription wsSubscription `json:"subscription"`
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WSClient keeps one durable connection to the exchange push feed. On
// reconnect it replays every active subscription, so subscribers only ever
// see a gap, never a dead channel.
type WSClient struct {
	mu      sync.RWMutex
	writeMu sync.Mutex

	url     string
	conn    *websocket.Conn
	state   ConnState
	running bool
	stopCh  chan struct{}

	userEventSubs map[string][]chan WsUserEvent
	webDataSubs   map[string][]chan WsWebData2
	midsSubs      []chan AllMids
}

// NewWSClient returns a client for the given WebSocket URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:           url,
		stopCh:        make(chan struct{}),
		userEventSubs: make(map[string][]chan WsUserEvent),
		webDataSubs:   make(map[string][]chan WsWebData2),
	}
}

// Start launches the connection loop.
func (c *WSClient) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.connectionLoop()
	log.Info().Str("url", c.url).Msg("websocket client started")
}

// Close shuts the socket and terminates every subscriber channel.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)

	if c.conn != nil {
		c.conn.Close()
	}

	for _, chans := range c.userEventSubs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, chans := range c.webDataSubs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range c.midsSubs {
		close(ch)
	}
	c.userEventSubs = make(map[string][]chan WsUserEvent)
	c.webDataSubs = make(map[string][]chan WsWebData2)
	c.midsSubs = nil
	c.state = StateDisconnected

	log.Info().Msg("websocket client closed")
}

// State returns the current connection state.
func (c *WSClient) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *WSClient) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connectionLoop maintains the connection with capped exponential backoff.
func (c *WSClient) connectionLoop() {
	delay := reconnectBaseDelay
	first := true

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			metrics.IncWSReconnects()
		}

		if err := c.connect(); err != nil {
			log.Error().Err(err).Dur("retry_in", delay).Msg("websocket connect failed")
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			first = false
			continue
		}

		delay = reconnectBaseDelay
		first = false
		c.setState(StateConnected)
		c.resubscribeAll()

		connDone := make(chan struct{})
		go c.pingLoop(connDone)
		c.readLoop()
		close(connDone)
	}
}

func (c *WSClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Info().Msg("websocket connected")
	return nil
}

// resubscribeAll replays the active subscription set on a fresh connection.
func (c *WSClient) resubscribeAll() {
	c.mu.RLock()
	subs := make([]wsSubscription, 0, len(c.userEventSubs)+len(c.webDataSubs)+1)
	for addr := range c.userEventSubs {
		subs = append(subs, wsSubscription{Type: "userEvents", User: addr})
	}
	for addr := range c.webDataSubs {
		subs = append(subs, wsSubscription{Type: "webData2", User: addr})
	}
	if len(c.midsSubs) > 0 {
		subs = append(subs, wsSubscription{Type: "allMids"})
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		if err := c.send(wsCommand{Method: "subscribe", Subscription: sub}); err != nil {
			log.Warn().Err(err).Str("type", sub.Type).Str("user", sub.User).
				Msg("resubscribe failed, will retry on next reconnect")
			return
		}
	}
	if len(subs) > 0 {
		log.Info().Int("subscriptions", len(subs)).Msg("websocket subscriptions replayed")
	}
}

func (c *WSClient) send(cmd wsCommand) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil // queued implicitly: resubscribeAll replays on connect
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

// pingLoop keeps the connection alive for the lifetime of one connection.
func (c *WSClient) pingLoop(connDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-connDone:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"method": "ping"})
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop reads until the connection drops.
func (c *WSClient) readLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.dispatch(message)
	}
}

func (c *WSClient) dispatch(raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Debug().Err(err).Msg("undecodable websocket frame")
		return
	}

	switch frame.Channel {
	case "allMids":
		var data wsAllMidsData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Debug().Err(err).Msg("bad allMids frame")
			return
		}
		c.broadcastMids(data.Mids)
	case "userEvents":
		var data wsUserEventData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Debug().Err(err).Msg("bad userEvents frame")
			return
		}
		c.routeUserEvent(data)
	case "webData2":
		var data WsWebData2
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Debug().Err(err).Msg("bad webData2 frame")
			return
		}
		c.routeWebData(data)
	case "subscriptionResponse", "pong":
		// acknowledgements, nothing to route
	default:
		log.Debug().Str("channel", frame.Channel).Msg("unhandled websocket channel")
	}
}

// routeUserEvent attributes a userEvents frame to a subscription. The wire
// frame omits the user, so attribution falls back to the sole active
// subscription; with several active, hybrid-mode polls cover the ambiguity.
func (c *WSClient) routeUserEvent(data wsUserEventData) {
	user := strings.ToLower(data.User)

	c.mu.RLock()
	if user == "" && len(c.userEventSubs) == 1 {
		for addr := range c.userEventSubs {
			user = addr
		}
	}
	chans := c.userEventSubs[user]
	c.mu.RUnlock()

	if len(chans) == 0 {
		if user == "" {
			log.Debug().Msg("unattributable userEvents frame dropped")
		}
		return
	}

	ev := WsUserEvent{
		User:        user,
		Fills:       data.Fills,
		Funding:     data.Funding,
		Liquidation: data.Liquidation,
	}
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than stall the read loop
		}
	}
}

func (c *WSClient) routeWebData(data WsWebData2) {
	user := strings.ToLower(data.User)

	c.mu.RLock()
	if user == "" && len(c.webDataSubs) == 1 {
		for addr := range c.webDataSubs {
			user = addr
		}
	}
	chans := c.webDataSubs[user]
	c.mu.RUnlock()

	data.User = user
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

func (c *WSClient) broadcastMids(mids AllMids) {
	c.mu.RLock()
	subs := c.midsSubs
	c.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- mids:
		default:
		}
	}
}

// UserEvents subscribes to fills/funding/liquidation pushes for address.
// The returned cancel removes the subscription; the last cancel for an
// address unsubscribes upstream.
func (c *WSClient) UserEvents(address string) (<-chan WsUserEvent, func()) {
	addr := strings.ToLower(address)
	ch := make(chan WsUserEvent, userEventBuffer)

	c.mu.Lock()
	fresh := len(c.userEventSubs[addr]) == 0
	c.userEventSubs[addr] = append(c.userEventSubs[addr], ch)
	c.mu.Unlock()

	if fresh {
		c.subscribe(wsSubscription{Type: "userEvents", User: addr})
	}

	cancel := func() {
		c.removeUserEvents(addr, ch)
	}
	return ch, cancel
}

func (c *WSClient) removeUserEvents(addr string, ch chan WsUserEvent) {
	c.mu.Lock()
	chans := c.userEventSubs[addr]
	for i, s := range chans {
		if s == ch {
			chans = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	last := len(chans) == 0
	if last {
		delete(c.userEventSubs, addr)
	} else {
		c.userEventSubs[addr] = chans
	}
	c.mu.Unlock()

	if last {
		c.unsubscribe(wsSubscription{Type: "userEvents", User: addr})
	}
}

// WebData2 subscribes to periodic clearinghouse snapshots for address.
func (c *WSClient) WebData2(address string) (<-chan WsWebData2, func()) {
	addr := strings.ToLower(address)
	ch := make(chan WsWebData2, webDataBuffer)

	c.mu.Lock()
	fresh := len(c.webDataSubs[addr]) == 0
	c.webDataSubs[addr] = append(c.webDataSubs[addr], ch)
	c.mu.Unlock()

	if fresh {
		c.subscribe(wsSubscription{Type: "webData2", User: addr})
	}

	cancel := func() {
		c.removeWebData(addr, ch)
	}
	return ch, cancel
}

func (c *WSClient) removeWebData(addr string, ch chan WsWebData2) {
	c.mu.Lock()
	chans := c.webDataSubs[addr]
	for i, s := range chans {
		if s == ch {
			chans = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	last := len(chans) == 0
	if last {
		delete(c.webDataSubs, addr)
	} else {
		c.webDataSubs[addr] = chans
	}
	c.mu.Unlock()

	if last {
		c.unsubscribe(wsSubscription{Type: "webData2", User: addr})
	}
}

// AllMids subscribes to the mid-price push for every coin.
func (c *WSClient) AllMids() (<-chan AllMids, func()) {
	ch := make(chan AllMids, midsBuffer)

	c.mu.Lock()
	fresh := len(c.midsSubs) == 0
	c.midsSubs = append(c.midsSubs, ch)
	c.mu.Unlock()

	if fresh {
		c.subscribe(wsSubscription{Type: "allMids"})
	}

	cancel := func() {
		c.mu.Lock()
		for i, s := range c.midsSubs {
			if s == ch {
				c.midsSubs = append(c.midsSubs[:i], c.midsSubs[i+1:]...)
				close(ch)
				break
			}
		}
		last := len(c.midsSubs) == 0
		c.mu.Unlock()

		if last {
			c.unsubscribe(wsSubscription{Type: "allMids"})
		}
	}
	return ch, cancel
}

func (c *WSClient) subscribe(sub wsSubscription) {
	if err := c.send(wsCommand{Method: "subscribe", Subscription: sub}); err != nil {
		log.Warn().Err(err).Str("type", sub.Type).Msg("subscribe failed, replay on reconnect")
	}
}

func (c *WSClient) unsubscribe(sub wsSubscription) {
	if err := c.send(wsCommand{Method: "unsubscribe", Subscription: sub}); err != nil {
		log.Debug().Err(err).Str("type", sub.Type).Msg("unsubscribe failed")
	}
}
