package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bytevantage/optionflow/internal/broker"
)

// State is the feed connection state.
type State string

// Feed lifecycle states.
const (
	StateInit         State = "INIT"
	StateAuth         State = "AUTH"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateTerminated   State = "TERMINATED"
)

// Reconnect ladder: 5, 10, 20, 40, 80 seconds; after the last rung the feed
// stays disconnected and consumers fall through to REST.
var reconnectSchedule = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
}

// Callback receives decoded ticks for one instrument. Callbacks for a given
// instrument run serially in arrival order; across instruments they may run
// in parallel.
type Callback func(Message)

// conn abstracts the websocket connection for tests.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the push socket; replaced in tests.
type Dialer func(ctx context.Context, url string) (conn, error)

func gorillaDialer(ctx context.Context, url string) (conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type subscribeMsg struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

// Feed is the singleton push-socket client. A single reader loop owns the
// receive side; writes are serialized behind a mutex.
type Feed struct {
	authorizer broker.Broker
	dial       Dialer
	logger     *log.Logger

	mu      sync.Mutex // guards conn writes and state
	conn    conn
	state   State
	readGen int // invalidates stale reader loops after reconnect

	subsMu      sync.Mutex
	callbacks   map[string][]Callback
	subscribed  map[string]bool // remembered set for resubscription
	pendingSubs []string        // queued while disconnected

	dispatchMu  sync.Mutex
	dispatchers map[string]*dispatcher

	lastMu    sync.RWMutex
	lastTicks map[string]Message

	maxReconnects int
	cancel        context.CancelFunc
	done          chan struct{}

	// onStateChange, when set, observes state transitions (metrics hook).
	onStateChange func(State)
}

// New creates the feed client. The broker is used for the authorize handshake.
func New(authorizer broker.Broker, maxReconnects int, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(os.Stderr, "feed: ", log.LstdFlags)
	}
	if maxReconnects <= 0 || maxReconnects > len(reconnectSchedule) {
		maxReconnects = len(reconnectSchedule)
	}
	return &Feed{
		authorizer:    authorizer,
		dial:          gorillaDialer,
		logger:        logger,
		state:         StateInit,
		callbacks:     make(map[string][]Callback),
		subscribed:    make(map[string]bool),
		dispatchers:   make(map[string]*dispatcher),
		lastTicks:     make(map[string]Message),
		maxReconnects: maxReconnects,
	}
}

// WithDialer overrides the websocket dialer (tests).
func (f *Feed) WithDialer(d Dialer) *Feed {
	f.dial = d
	return f
}

// OnStateChange registers a state observer.
func (f *Feed) OnStateChange(fn func(State)) { f.onStateChange = fn }

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	if f.onStateChange != nil {
		f.onStateChange(s)
	}
}

// Connect authorizes, dials and starts the reader. It returns once the
// connection is established; the reader then runs until Disconnect or an
// unrecoverable reconnect failure.
func (f *Feed) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	if err := f.establish(runCtx); err != nil {
		cancel()
		close(f.done)
		return err
	}
	go f.run(runCtx)
	return nil
}

// establish performs one authorize+dial+subscribe cycle.
func (f *Feed) establish(ctx context.Context) error {
	f.setState(StateAuth)
	wsURL, err := f.authorizer.AuthorizeFeed(ctx)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("feed authorize: %w", err)
	}

	f.setState(StateConnecting)
	c, err := f.dial(ctx, wsURL)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("feed dial: %w", err)
	}

	f.mu.Lock()
	f.conn = c
	f.readGen++
	f.mu.Unlock()
	f.setState(StateConnected)

	// Resubscribe the full remembered set plus anything queued while down.
	keys := f.snapshotSubscriptions()
	if len(keys) > 0 {
		if err := f.sendSubscribe(keys); err != nil {
			f.teardownConn()
			f.setState(StateDisconnected)
			return fmt.Errorf("feed subscribe: %w", err)
		}
	}
	return nil
}

func (f *Feed) snapshotSubscriptions() []string {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for _, k := range f.pendingSubs {
		f.subscribed[k] = true
	}
	f.pendingSubs = nil
	keys := make([]string, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// run is the reader loop: the sole owner of the socket receive side.
func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	for {
		f.mu.Lock()
		c := f.conn
		gen := f.readGen
		f.mu.Unlock()
		if c == nil {
			return
		}

		_, frame, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				f.setState(StateTerminated)
				return
			}
			// Ignore errors from a connection a reconnect already replaced.
			f.mu.Lock()
			stale := gen != f.readGen
			f.mu.Unlock()
			if stale {
				continue
			}
			f.logger.Printf("feed read error: %v", err)
			f.teardownConn()
			f.setState(StateDisconnected)
			if !f.reconnect(ctx) {
				f.logger.Printf("feed reconnect exhausted after %d attempts; consumers fall back to REST", f.maxReconnects)
				return
			}
			continue
		}

		msgs, err := decodeFrame(frame, time.Now())
		if err != nil {
			f.logger.Printf("feed frame decode error: %v", err)
			continue
		}
		for _, msg := range msgs {
			f.recordLast(msg)
			f.dispatch(msg)
		}
	}
}

// reconnect walks the backoff ladder, re-establishing and resubscribing.
// Returns false when every attempt failed.
func (f *Feed) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < f.maxReconnects; attempt++ {
		wait := reconnectSchedule[attempt]
		f.logger.Printf("feed reconnect attempt %d/%d in %v", attempt+1, f.maxReconnects, wait)
		select {
		case <-ctx.Done():
			f.setState(StateTerminated)
			return false
		case <-time.After(wait):
		}
		if err := f.establish(ctx); err != nil {
			f.logger.Printf("feed reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		return true
	}
	return false
}

// Subscribe registers a callback for the instruments and subscribes them on
// the live socket. While disconnected the subscription is queued and flushed
// on reconnect.
func (f *Feed) Subscribe(instrumentKeys []string, cb Callback) error {
	f.subsMu.Lock()
	var newKeys []string
	for _, key := range instrumentKeys {
		if cb != nil {
			f.callbacks[key] = append(f.callbacks[key], cb)
		}
		if !f.subscribed[key] {
			newKeys = append(newKeys, key)
		}
	}
	connected := f.State() == StateConnected
	if !connected {
		f.pendingSubs = append(f.pendingSubs, newKeys...)
	} else {
		for _, k := range newKeys {
			f.subscribed[k] = true
		}
	}
	f.subsMu.Unlock()

	if connected && len(newKeys) > 0 {
		return f.sendSubscribe(newKeys)
	}
	return nil
}

// Unsubscribe drops the instruments from the remembered set and removes all
// their callbacks. The server-side subscription lapses on reconnect.
func (f *Feed) Unsubscribe(instrumentKeys []string) {
	f.subsMu.Lock()
	for _, key := range instrumentKeys {
		delete(f.subscribed, key)
		delete(f.callbacks, key)
	}
	f.subsMu.Unlock()

	f.dispatchMu.Lock()
	for _, key := range instrumentKeys {
		if d, ok := f.dispatchers[key]; ok {
			d.stop()
			delete(f.dispatchers, key)
		}
	}
	f.dispatchMu.Unlock()
}

// sendSubscribe writes one subscribe message; writes are serialized.
func (f *Feed) sendSubscribe(keys []string) error {
	msg := subscribeMsg{GUID: uuid.NewString(), Method: "sub"}
	msg.Data.Mode = "full"
	msg.Data.InstrumentKeys = keys
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return f.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// LastPrice returns the most recent tick for an instrument, if any.
func (f *Feed) LastPrice(instrumentKey string) (Message, bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	msg, ok := f.lastTicks[instrumentKey]
	return msg, ok
}

func (f *Feed) recordLast(msg Message) {
	f.lastMu.Lock()
	f.lastTicks[msg.InstrumentKey] = msg
	f.lastMu.Unlock()
}

// dispatch hands the message to the instrument's dispatcher, creating one on
// first use. Instruments without callbacks still record last ticks but skip
// dispatch.
func (f *Feed) dispatch(msg Message) {
	f.subsMu.Lock()
	cbs := f.callbacks[msg.InstrumentKey]
	f.subsMu.Unlock()
	if len(cbs) == 0 {
		return
	}

	f.dispatchMu.Lock()
	d, ok := f.dispatchers[msg.InstrumentKey]
	if !ok {
		d = newDispatcher(func(m Message) {
			f.subsMu.Lock()
			current := append([]Callback(nil), f.callbacks[m.InstrumentKey]...)
			f.subsMu.Unlock()
			for _, cb := range current {
				cb(m)
			}
		})
		f.dispatchers[msg.InstrumentKey] = d
	}
	f.dispatchMu.Unlock()
	d.offer(msg)
}

func (f *Feed) teardownConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

// Disconnect cancels the reader, closes the socket and stops dispatchers.
// Queued messages are dropped.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.teardownConn()
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	f.dispatchMu.Lock()
	for key, d := range f.dispatchers {
		d.stop()
		delete(f.dispatchers, key)
	}
	f.dispatchMu.Unlock()
	f.setState(StateTerminated)
}
