package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnect attempts. Zero means
	// the default (10); a negative value retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

// DefaultRealtimeConfig returns the configuration used by sessions: automatic
// reconnection with exponential backoff.
func DefaultRealtimeConfig() *RealtimeConfig {
	c := &RealtimeConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "realtime")
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives inbound events. Handlers run on the read loop, one
// event at a time, in arrival order.
type EventHandler func(Event)

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind][]EventHandler
	all      []EventHandler
	logger   *slog.Logger
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[EventKind][]EventHandler),
		logger:   logger,
	}
}

func (d *eventDispatcher) subscribe(kind EventKind, h EventHandler) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) subscribeAll(h EventHandler) {
	d.mu.Lock()
	d.all = append(d.all, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	hs := append([]EventHandler{}, d.handlers[ev.Kind()]...)
	hs = append(hs, d.all...)
	d.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panicked", "kind", ev.Kind(), "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared by Connect and the reconnect goroutine.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// nextDelay returns the wait before the next attempt and that attempt's
// number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A connection that stayed up for a minute earns a fresh budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single websocket channel to the server. It joins
// with the configured identity on every successful dial, reconnects after
// transport drops, and delivers typed events to subscribers.
//
// Every dial starts a new generation. Frames read by a superseded connection
// are dropped, so once Disconnect returns no handler observes events from the
// old channel.
type RealtimeClient struct {
	baseURL    string
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	// deliverMu orders event delivery against generation changes.
	deliverMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	identity         string
	generation       uint64
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewRealtimeClient creates a client for the server at baseURL. A nil config
// uses DefaultRealtimeConfig. Call Connect to open the channel.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	} else {
		cfg = *DefaultRealtimeConfig()
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		logger:     cfg.Logger,
		dispatcher: newEventDispatcher(cfg.Logger),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

// Subscribe registers a handler for one event kind.
func (rc *RealtimeClient) Subscribe(kind EventKind, h EventHandler) {
	rc.dispatcher.subscribe(kind, h)
}

// SubscribeAll registers a handler for every event kind.
func (rc *RealtimeClient) SubscribeAll(h EventHandler) {
	rc.dispatcher.subscribeAll(h)
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Identity returns the username the channel joins as.
func (rc *RealtimeClient) Identity() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.identity
}

// URL returns the websocket endpoint derived from the base URL.
func (rc *RealtimeClient) URL() string {
	return websocketURL(rc.baseURL)
}

func websocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Connect opens the channel and announces identity. Connecting again with
// the same identity while a channel exists is a no-op; a different identity
// drops the old channel first.
func (rc *RealtimeClient) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("connect: %w", ErrNotAuthenticated)
	}

	rc.mu.Lock()
	if rc.state != StateDisconnected {
		if rc.identity == identity {
			rc.mu.Unlock()
			return nil
		}
		rc.mu.Unlock()
		if err := rc.Disconnect(); err != nil {
			rc.logger.Debug("closing previous channel", "error", err)
		}
		rc.mu.Lock()
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	rc.state = StateConnecting
	rc.identity = identity
	rc.intentionalClose = false
	rc.cancelFn = cancel
	rc.mu.Unlock()

	rc.recon.reset()
	if err := rc.dial(ctx, lifeCtx, identity, false); err != nil {
		rc.mu.Lock()
		if rc.cancelFn != nil && !rc.intentionalClose {
			rc.cancelFn()
			rc.cancelFn = nil
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()
		return err
	}
	return nil
}

// dial opens one websocket, sends join, and starts the loops for the new
// generation. dialCtx bounds the handshake; lifeCtx bounds the loops.
func (rc *RealtimeClient) dial(dialCtx, lifeCtx context.Context, identity string, reconnect bool) error {
	conn, _, err := websocket.Dial(dialCtx, rc.URL(), &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(rc.config.ReadLimit)

	join, err := encodeEnvelope(OutJoin, identity)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("send join: %w", err)
	}

	rc.deliverMu.Lock()
	rc.mu.Lock()
	if rc.intentionalClose || lifeCtx.Err() != nil {
		rc.mu.Unlock()
		rc.deliverMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("connect: %w", context.Canceled)
	}
	rc.generation++
	gen := rc.generation
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.dispatcher.dispatch(ConnectedEvent{Identity: identity, Reconnect: reconnect})
	rc.deliverMu.Unlock()

	rc.logger.Info("realtime channel connected", "identity", identity, "reconnect", reconnect)

	go rc.readLoop(lifeCtx, conn, gen)
	go rc.heartbeatLoop(lifeCtx, conn, gen)
	return nil
}

// Disconnect closes the channel and stops reconnecting. It must not be
// called from an event handler. Close errors are logged, not returned.
func (rc *RealtimeClient) Disconnect() error {
	rc.deliverMu.Lock()
	rc.mu.Lock()
	rc.intentionalClose = true
	rc.generation++
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()
	rc.deliverMu.Unlock()

	if conn != nil {
		// The read loop may already have torn the socket down after its
		// context was cancelled.
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			rc.logger.Debug("closing channel", "error", err)
		}
		rc.logger.Info("realtime channel closed")
	}
	return nil
}

// Send writes one outbound event. Delivery is best-effort: while the channel
// is down it returns ErrNotConnected and the event is dropped.
func (rc *RealtimeClient) Send(ctx context.Context, name OutboundName, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := encodeEnvelope(name, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}

// deliver dispatches ev unless gen has been superseded.
func (rc *RealtimeClient) deliver(gen uint64, ev Event) bool {
	rc.deliverMu.Lock()
	defer rc.deliverMu.Unlock()
	if !rc.isCurrent(gen) {
		return false
	}
	rc.dispatcher.dispatch(ev)
	return true
}

func (rc *RealtimeClient) isCurrent(gen uint64) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.generation == gen && !rc.intentionalClose
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !rc.isCurrent(gen) {
				return
			}

			rc.mu.Lock()
			if rc.conn == conn {
				rc.conn = nil
			}
			rc.state = StateReconnecting
			if !rc.config.AutoReconnect {
				rc.state = StateDisconnected
			}
			rc.mu.Unlock()
			conn.Close(websocket.StatusGoingAway, "")

			rc.logger.Warn("realtime channel dropped", "error", err)
			rc.deliver(gen, DisconnectedEvent{Reason: err.Error(), Retrying: rc.config.AutoReconnect})

			if rc.config.AutoReconnect {
				rc.reconnectLoop(ctx, gen)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rc.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			rc.logger.Debug("dropping frame", "type", env.Type, "error", err)
			continue
		}
		if !rc.deliver(gen, ev) {
			return
		}
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rc.isCurrent(gen) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Closing makes the read loop fail and reconnect.
				rc.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop redials with the same identity until it succeeds, the
// attempt budget runs out, or the channel is closed on purpose.
func (rc *RealtimeClient) reconnectLoop(ctx context.Context, gen uint64) {
	for rc.recon.shouldReconnect() {
		delay, attempt := rc.recon.nextDelay()
		if !rc.deliver(gen, ReconnectingEvent{Attempt: attempt, Delay: delay}) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		rc.mu.Lock()
		identity := rc.identity
		rc.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, rc.config.DialTimeout)
		err := rc.dial(dialCtx, ctx, identity, true)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		rc.logger.Warn("reconnect failed", "attempt", rc.recon.attempts(), "error", err)
	}

	rc.mu.Lock()
	if rc.generation == gen {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()
	rc.deliver(gen, DisconnectedEvent{Reason: "reconnect attempts exhausted"})
}
