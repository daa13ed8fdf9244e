package oceanchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Push envelope
// ============================================================================

// Event types delivered over the push channel.
const (
	EventMessageCreated      = "message.created"
	EventConversationCreated = "conversation.created"
	EventParticipantsAdded   = "conversation.added.participants"
	EventFriendRequest       = "notification.friend.request"
	EventFriendRequestAccept = "notification.accepted.friend.request"
	EventFriendRequestCancel = "notification.cancelled.friend.request"
	EventFriendRequestDenied = "notification.denied.friend.request"
)

// EventMetadata is the routing envelope the gateway attaches to every event.
type EventMetadata struct {
	SenderID       string `json:"senderId"`
	ConversationID string `json:"toConversationId"`
}

// Event is the wire format of one push-channel delivery. Data is left raw:
// for message events it is a bare JSON string with the content, for
// conversation events a nested object, and for notification events an
// informational string that is never trusted for record details.
type Event struct {
	Type     string          `json:"type"`
	Metadata EventMetadata   `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// Text decodes Data as a JSON string, or returns the raw bytes when it is
// not one.
func (e Event) Text() string {
	var s string
	if json.Unmarshal(e.Data, &s) == nil {
		return s
	}
	return string(e.Data)
}

// EventHandler consumes one push event. Handlers run on the read loop in
// arrival order and must read current store state at invocation time, not
// state captured at registration.
type EventHandler func(Event)

// EventSource is the push-transport contract the store binds against.
// On and OnConnected return unsubscribe functions; Go func values are not
// comparable, so paired off() closures stand in for off(type, handler).
type EventSource interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	On(eventType string, h EventHandler) (off func())
	OnConnected(h func()) (off func())
	OnDisconnected(h func(reason string)) (off func())
}

// ============================================================================
// Event dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	handlers       map[string]map[uint64]EventHandler
	onConnected    map[uint64]func()
	onDisconnected map[uint64]func(string)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers:       make(map[string]map[uint64]EventHandler),
		onConnected:    make(map[uint64]func()),
		onDisconnected: make(map[uint64]func(string)),
	}
}

func (d *eventDispatcher) on(eventType string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[eventType] == nil {
		d.handlers[eventType] = make(map[uint64]EventHandler)
	}
	d.handlers[eventType][id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers[eventType], id)
		d.mu.Unlock()
	}
}

// dispatch runs handlers synchronously so events apply in arrival order.
func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[ev.Type]))
	for _, h := range d.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (d *eventDispatcher) onMeta(connected func(), disconnected func(string)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if connected != nil {
		d.onConnected[id] = connected
	}
	if disconnected != nil {
		d.onDisconnected[id] = disconnected
	}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.onConnected, id)
		delete(d.onDisconnected, id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := make([]func(), 0, len(d.onConnected))
	for _, h := range d.onConnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := make([]func(string), 0, len(d.onDisconnected))
	for _, h := range d.onDisconnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeState is the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

const defaultReconnectDelay = 3 * time.Second

// RealtimeClient is the websocket push client. It reconnects after a fixed
// delay on unexpected disconnect and never replays missed events, so the
// connected callback must trigger a full resynchronization.
type RealtimeClient struct {
	baseURL        string
	reconnectDelay time.Duration
	logger         *slog.Logger
	dispatcher     *eventDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	token            string
	intentionalClose bool
	cancelFn         context.CancelFunc
}

type RealtimeOption func(*RealtimeClient)

func WithReconnectDelay(d time.Duration) RealtimeOption {
	return func(rt *RealtimeClient) { rt.reconnectDelay = d }
}

func WithRealtimeLogger(logger *slog.Logger) RealtimeOption {
	return func(rt *RealtimeClient) { rt.logger = logger }
}

// NewRealtimeClient creates a push client against baseURL (http/https
// scheme; it is rewritten to ws/wss).
func NewRealtimeClient(baseURL string, opts ...RealtimeOption) *RealtimeClient {
	rt := &RealtimeClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		reconnectDelay: defaultReconnectDelay,
		logger:         slog.Default(),
		dispatcher:     newEventDispatcher(),
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// On registers a handler for one event type and returns its unsubscribe.
func (rt *RealtimeClient) On(eventType string, h EventHandler) func() {
	return rt.dispatcher.on(eventType, h)
}

// OnConnected registers a handler that runs after every successful
// connect, initial and reconnect alike.
func (rt *RealtimeClient) OnConnected(h func()) func() {
	return rt.dispatcher.onMeta(h, nil)
}

// OnDisconnected registers a handler for unexpected connection loss.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) func() {
	return rt.dispatcher.onMeta(nil, h)
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect dials the push channel with the session token.
func (rt *RealtimeClient) Connect(ctx context.Context, token string) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.token = token
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and suppresses reconnection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			if intentional {
				return
			}
			rt.dispatcher.emitDisconnected(err.Error())
			rt.scheduleReconnect()
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			rt.logger.Warn("dropping undecodable push frame", "error", err)
			continue
		}
		rt.dispatcher.dispatch(ev)
	}
}

// scheduleReconnect retries at a fixed cadence until a dial succeeds or
// Disconnect is called. No gap recovery exists across the outage; the
// connected callback is expected to resynchronize.
func (rt *RealtimeClient) scheduleReconnect() {
	rt.mu.Lock()
	rt.state = StateReconnecting
	token := rt.token
	rt.mu.Unlock()

	go func() {
		for {
			time.Sleep(rt.reconnectDelay)

			rt.mu.Lock()
			if rt.intentionalClose {
				rt.mu.Unlock()
				return
			}
			rt.state = StateDisconnected // let Connect proceed
			rt.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := rt.Connect(ctx, token)
			cancel()
			if err == nil {
				return
			}
			rt.logger.Warn("push reconnect failed", "error", err)

			rt.mu.Lock()
			rt.state = StateReconnecting
			rt.mu.Unlock()
		}
	}()
}
