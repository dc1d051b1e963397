// Package hub maintains the authenticated WebSocket session to the local
// home-automation hub: auth handshake, state_changed subscription, a
// request/response multiplexer with per-request deadlines, and bounded
// reconnection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/utils"
)

var (
	hubConnectedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hub_connected",
		Help: "Whether the hub WebSocket session is authenticated (1) or not (0)",
	})
	hubReconnectsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_reconnects_total",
		Help: "The total number of hub reconnect attempts",
	})
	hubStateEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_state_events_total",
		Help: "The total number of state_changed events received from the hub",
	})
	hubRPCTimeoutsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_rpc_timeouts_total",
		Help: "The total number of hub RPCs that hit their deadline",
	})
)

var (
	// ErrNotConnected is returned for RPCs issued while no authenticated
	// session exists.
	ErrNotConnected = errors.New("hub session is not connected")
	// ErrTimeout is returned when a hub RPC misses its 30 second deadline.
	ErrTimeout = errors.New("command timeout")
	// ErrDisconnected fails all in-flight RPCs when the session closes.
	ErrDisconnected = errors.New("hub connection closed")
	// ErrAuthFailed marks a rejected access token. The session does not retry
	// on the same token.
	ErrAuthFailed = errors.New("hub authentication rejected")
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultReconnectMin   = 1 * time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultMaxAttempts    = 10
)

type Options struct {
	BaseURL string
	Token   string

	Dialer         *websocket.Dialer
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	MaxAttempts    uint64
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// hubFrame covers every inbound frame shape of the hub's native scheme.
type hubFrame struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *hubError       `json:"error,omitempty"`
	Event     *hubEvent       `json:"event,omitempty"`
	HaVersion string          `json:"ha_version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type hubError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type hubEvent struct {
	EventType string `json:"event_type"`
	TimeFired string `json:"time_fired,omitempty"`
	Data      struct {
		EntityID string              `json:"entity_id"`
		OldState *models.EntityState `json:"old_state"`
		NewState *models.EntityState `json:"new_state"`
	} `json:"data"`
}

// Session is the hub connection manager. One open socket at most; RPCs from
// any goroutine are multiplexed over it by request id.
type Session struct {
	opts  Options
	wsURL string

	mu              sync.Mutex
	conn            *websocket.Conn
	nextID          int64
	pending         map[int64]chan rpcOutcome
	authenticated   bool
	subscriptionID  int64
	haVersion       string
	shouldReconnect bool
	running         bool

	writeMu sync.Mutex

	stateCh         chan models.StateChangeEvent
	authenticatedCh chan string
	authFailedCh    chan string
	disconnectedCh  chan error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSession(opts Options) (*Session, error) {
	wsURL, err := utils.HubWebsocketURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Token == "" {
		return nil, errors.New("hub token is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Session{
		opts:            opts,
		wsURL:           wsURL,
		pending:         make(map[int64]chan rpcOutcome),
		shouldReconnect: true,
		stateCh:         make(chan models.StateChangeEvent, 256),
		authenticatedCh: make(chan string, 4),
		authFailedCh:    make(chan string, 1),
		disconnectedCh:  make(chan error, 4),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Connect starts the session manager. It returns immediately; connection
// state is observed through the event channels.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

// Disconnect stops reconnecting, closes the socket and fails all in-flight
// RPCs. It blocks until the session loop has exited.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	conn := s.conn
	running := s.running
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if conn != nil {
		conn.Close()
	}
	if running {
		<-s.doneCh
	}
}

// StateChanges delivers state_changed events in hub order.
func (s *Session) StateChanges() <-chan models.StateChangeEvent { return s.stateCh }

// AuthEvents signals each successful authentication with the hub version.
func (s *Session) AuthEvents() <-chan string { return s.authenticatedCh }

// AuthFailures signals a rejected token. The session is terminal afterwards.
func (s *Session) AuthFailures() <-chan string { return s.authFailedCh }

// Disconnects signals each session loss.
func (s *Session) Disconnects() <-chan error { return s.disconnectedCh }

// Connected reports whether an authenticated session is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// HaVersion returns the version string the hub reported on auth_ok.
func (s *Session) HaVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haVersion
}

func (s *Session) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.opts.ReconnectMin)
	b = retry.WithCappedDuration(s.opts.ReconnectMax, b)
	b = retry.WithMaxRetries(s.opts.MaxAttempts, b)
	return b
}

func (s *Session) run() {
	log := log.WithField("prefix", "hub.Session.run")
	defer close(s.doneCh)

	backoff := s.newBackoff()
	for {
		authed, err := s.runOnce()
		if err != nil && !errors.Is(err, ErrDisconnected) {
			log.Warnf("hub session ended: %v", err)
		}

		s.mu.Lock()
		cont := s.shouldReconnect
		s.mu.Unlock()
		if !cont {
			return
		}

		if authed {
			// A successful authentication resets the attempt counter.
			backoff = s.newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			log.Errorf("giving up on hub after %d reconnect attempts", s.opts.MaxAttempts)
			return
		}
		hubReconnectsMetric.Inc()
		log.Infof("reconnecting to hub in %v", delay)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		}
	}
}

// runOnce drives a single connection attempt through the lifecycle
// disconnected -> connecting -> awaiting_auth -> authenticated -> subscribed.
// It returns whether authentication succeeded during the attempt.
func (s *Session) runOnce() (bool, error) {
	log := log.WithField("prefix", "hub.Session.runOnce")

	conn, _, err := s.opts.Dialer.Dial(s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("hub dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.nextID = 0
	s.mu.Unlock()

	authed := false
	defer s.teardown(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if authed {
				s.emitDisconnected(err)
			}
			return authed, fmt.Errorf("hub read failed: %w", err)
		}

		var frame hubFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			log.Warnf("dropping malformed hub frame: %v", err)
			continue
		}

		switch frame.Type {
		case "auth_required":
			if err := s.writeFrame(map[string]interface{}{
				"type":         "auth",
				"access_token": s.opts.Token,
			}); err != nil {
				return authed, err
			}

		case "auth_ok":
			authed = true
			s.mu.Lock()
			s.authenticated = true
			s.haVersion = frame.HaVersion
			s.mu.Unlock()
			hubConnectedMetric.Set(1)
			log.Infof("authenticated with hub %s", frame.HaVersion)
			s.emit(s.authenticatedCh, frame.HaVersion)
			go s.subscribe()

		case "auth_invalid":
			s.mu.Lock()
			s.shouldReconnect = false
			s.mu.Unlock()
			log.Errorf("hub rejected access token: %s", frame.Message)
			s.emit(s.authFailedCh, frame.Message)
			return authed, ErrAuthFailed

		case "result":
			s.resolve(frame)

		case "event":
			s.dispatchEvent(frame)

		case "pong":

		default:
			log.Debugf("ignoring hub frame type %q", frame.Type)
		}
	}
}

func (s *Session) teardown(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.authenticated = false
	s.subscriptionID = 0
	waiters := s.pending
	s.pending = make(map[int64]chan rpcOutcome)
	s.mu.Unlock()

	hubConnectedMetric.Set(0)
	conn.Close()
	for _, ch := range waiters {
		ch <- rpcOutcome{err: ErrDisconnected}
	}
}

func (s *Session) subscribe() {
	log := log.WithField("prefix", "hub.Session.subscribe")
	id, _, err := s.sendCommand(context.Background(), "subscribe_events", map[string]interface{}{
		"event_type": "state_changed",
	})
	if err != nil {
		log.Errorf("state_changed subscription failed: %v", err)
		return
	}

	s.mu.Lock()
	s.subscriptionID = id
	s.mu.Unlock()
	log.Infof("subscribed to state_changed events (subscription %d)", id)
}

func (s *Session) dispatchEvent(frame hubFrame) {
	if frame.Event == nil || frame.Event.EventType != "state_changed" {
		return
	}

	entityID := frame.Event.Data.EntityID
	if entityID == "" && frame.Event.Data.NewState != nil {
		entityID = frame.Event.Data.NewState.EntityID
	}

	hubStateEventsMetric.Inc()
	// The send must not wedge the read loop when the consumer is gone, or
	// Disconnect would never get its read error and shutdown would hang.
	select {
	case s.stateCh <- models.StateChangeEvent{
		EntityID:  entityID,
		OldState:  frame.Event.Data.OldState,
		NewState:  frame.Event.Data.NewState,
		Timestamp: frame.Event.TimeFired,
	}:
	case <-s.stopCh:
	}
}

func (s *Session) resolve(frame hubFrame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()
	if !ok {
		// A late result after the waiter timed out. Dropped silently.
		return
	}

	if frame.Success {
		ch <- rpcOutcome{result: frame.Result}
		return
	}
	msg := "hub command failed"
	if frame.Error != nil && frame.Error.Message != "" {
		msg = frame.Error.Message
	}
	ch <- rpcOutcome{err: errors.New(msg)}
}

// SendCommand issues one hub RPC and waits for the matching result frame.
func (s *Session) SendCommand(ctx context.Context, msgType string, data map[string]interface{}) (json.RawMessage, error) {
	_, res, err := s.sendCommand(ctx, msgType, data)
	return res, err
}

func (s *Session) sendCommand(ctx context.Context, msgType string, data map[string]interface{}) (int64, json.RawMessage, error) {
	s.mu.Lock()
	if s.conn == nil || !s.authenticated {
		s.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	s.nextID++
	id := s.nextID
	ch := make(chan rpcOutcome, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	frame := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		frame[k] = v
	}
	frame["id"] = id
	frame["type"] = msgType

	if err := s.writeFrame(frame); err != nil {
		s.removeWaiter(id)
		return id, nil, err
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return id, out.result, out.err
	case <-timer.C:
		s.removeWaiter(id)
		hubRPCTimeoutsMetric.Inc()
		return id, nil, ErrTimeout
	case <-ctx.Done():
		s.removeWaiter(id)
		return id, nil, ctx.Err()
	}
}

func (s *Session) removeWaiter(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) writeFrame(frame interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := sonic.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal hub frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) emitDisconnected(err error) {
	select {
	case s.disconnectedCh <- err:
	default:
	}
}

func (s *Session) emit(ch chan string, value string) {
	select {
	case ch <- value:
	default:
	}
}
