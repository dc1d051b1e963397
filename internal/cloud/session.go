// Package cloud maintains the authenticated WebSocket session to the cloud
// service: the authenticate handshake against the stored credential, the
// heartbeat cadence, command intake, and every outbound frame the other
// components emit.
package cloud

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/helm-home/bridge/internal/credentials"
	"github.com/helm-home/bridge/internal/logbuf"
	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/ntp"
	"github.com/helm-home/bridge/internal/protocol"
	"github.com/helm-home/bridge/internal/utils"
)

var (
	cloudConnectedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_cloud_connected",
		Help: "Whether the cloud WebSocket session is authenticated (1) or not (0)",
	})
	cloudReconnectsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_cloud_reconnects_total",
		Help: "The total number of cloud reconnect attempts",
	})
	heartbeatsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_heartbeats_total",
		Help: "The total number of heartbeat frames sent to the cloud",
	})
	commandsReceivedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_cloud_commands_received_total",
		Help: "The total number of command frames received from the cloud",
	})
)

var (
	// ErrNotConnected is returned by outbound helpers while the socket is
	// closed. Senders treat it as a no-op.
	ErrNotConnected = errors.New("cloud session is not connected")
	// ErrCredentialRejected marks an auth failure attributable to a revoked
	// or invalid credential. The session clears the store and stops.
	ErrCredentialRejected = errors.New("cloud rejected the stored credential")
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultReconnectMin      = 1 * time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultMaxAttempts       = 10
	defaultLogLines          = 100
)

// HubInfo is the hub-side snapshot heartbeats report. The orchestrator wires
// a provider for it.
type HubInfo struct {
	HaVersion   string
	Connected   bool
	EntityCount int
	LastEventAt int64
}

type Options struct {
	BaseURL         string
	BridgeID        string
	BridgeVersion   string
	ProtocolVersion int

	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       uint64
	Dialer            *websocket.Dialer
}

type Session struct {
	opts  Options
	wsURL string
	store *credentials.Store
	clock ntp.TimeProvider
	logs  *logbuf.Ring

	logLimiter *rate.Limiter
	startedAt  time.Time
	hubInfo    func() HubInfo

	mu              sync.Mutex
	conn            *websocket.Conn
	authenticated   bool
	tenantID        string
	shouldReconnect bool
	running         bool
	totalReconnects int

	writeMu sync.Mutex

	commandCh      chan protocol.Command
	fullSyncCh     chan struct{}
	authCh         chan string
	authFailedCh   chan string
	disconnectedCh chan error

	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSession(opts Options, store *credentials.Store, clock ntp.TimeProvider, logs *logbuf.Ring) (*Session, error) {
	wsURL, err := utils.CloudWebsocketURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.BridgeID == "" {
		return nil, errors.New("bridge id is required")
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
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
	if clock == nil {
		clock = ntp.NewLocalTimeProvider()
	}

	return &Session{
		opts:            opts,
		wsURL:           wsURL,
		store:           store,
		clock:           clock,
		logs:            logs,
		logLimiter:      rate.NewLimiter(rate.Every(5*time.Second), 1),
		startedAt:       time.Now(),
		hubInfo:         func() HubInfo { return HubInfo{} },
		shouldReconnect: true,
		commandCh:       make(chan protocol.Command, 16),
		fullSyncCh:      make(chan struct{}, 1),
		authCh:          make(chan string, 4),
		authFailedCh:    make(chan string, 1),
		disconnectedCh:  make(chan error, 4),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// SetHubInfoFunc wires the provider for the hub-side heartbeat fields.
func (s *Session) SetHubInfoFunc(fn func() HubInfo) {
	if fn != nil {
		s.hubInfo = fn
	}
}

// Connect starts the session manager. It is a no-op while no credential is
// resident; the orchestrator calls it again once pairing completes. A session
// that stopped earlier (revocation, exhausted reconnects) can be restarted.
func (s *Session) Connect() {
	log := log.WithField("prefix", "cloud.Session.Connect")
	if !s.store.IsPaired() {
		log.Info("no credential resident, skipping cloud connect")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.shouldReconnect = true
	s.stopping = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(stopCh, doneCh)
}

// Disconnect stops reconnecting and closes the socket.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	conn := s.conn
	running := s.running
	doneCh := s.doneCh
	if running && !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if running {
		<-doneCh
	}
}

// Commands delivers inbound cloud commands after any required ack was sent.
func (s *Session) Commands() <-chan protocol.Command { return s.commandCh }

// FullSyncRequests signals each request_full_sync; bursts coalesce.
func (s *Session) FullSyncRequests() <-chan struct{} { return s.fullSyncCh }

// AuthEvents signals each successful authentication with the tenant id.
func (s *Session) AuthEvents() <-chan string { return s.authCh }

// AuthFailures signals a rejected credential. The session is terminal
// afterwards.
func (s *Session) AuthFailures() <-chan string { return s.authFailedCh }

// Disconnects signals each session loss.
func (s *Session) Disconnects() <-chan error { return s.disconnectedCh }

// Authenticated reports whether the cloud accepted the credential on the
// current socket.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// TenantID returns the tenant recorded on the last successful auth.
func (s *Session) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// ReconnectCount returns the total reconnect attempts across the process.
func (s *Session) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalReconnects
}

func (s *Session) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.opts.ReconnectMin)
	b = retry.WithCappedDuration(s.opts.ReconnectMax, b)
	b = retry.WithMaxRetries(s.opts.MaxAttempts, b)
	return b
}

func (s *Session) run(stopCh, doneCh chan struct{}) {
	log := log.WithField("prefix", "cloud.Session.run")
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(doneCh)
	}()

	backoff := s.newBackoff()
	for {
		authed, err := s.runOnce(stopCh)
		if err != nil {
			log.Warnf("cloud session ended: %v", err)
		}

		s.mu.Lock()
		cont := s.shouldReconnect
		s.mu.Unlock()
		if !cont {
			return
		}

		if authed {
			backoff = s.newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			log.Errorf("giving up on cloud after %d reconnect attempts", s.opts.MaxAttempts)
			return
		}
		s.mu.Lock()
		s.totalReconnects++
		s.mu.Unlock()
		cloudReconnectsMetric.Inc()
		log.Infof("reconnecting to cloud in %v", delay)
		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		}
	}
}

func (s *Session) runOnce(stopCh chan struct{}) (bool, error) {
	log := log.WithField("prefix", "cloud.Session.runOnce")

	cred := s.store.Get()
	if cred == nil {
		s.mu.Lock()
		s.shouldReconnect = false
		s.mu.Unlock()
		return false, errors.New("credential disappeared, stopping cloud session")
	}

	conn, _, err := s.opts.Dialer.Dial(s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("cloud dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	authed := false
	hbStop := make(chan struct{})
	defer s.teardown(conn, hbStop)

	auth := protocol.NewAuthenticate(s.opts.BridgeID, cred.BridgeCredential, s.opts.ProtocolVersion)
	if err := s.writeFrame(auth); err != nil {
		return false, fmt.Errorf("failed to send authenticate: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if authed {
				s.emitDisconnected(err)
			}
			return authed, fmt.Errorf("cloud read failed: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors are logged and dropped, never fatal.
			log.Warnf("dropping cloud frame: %v", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.AuthResult:
			if !f.Success {
				return authed, s.handleAuthFailure(f.Error)
			}
			authed = true
			s.mu.Lock()
			s.authenticated = true
			s.tenantID = f.TenantID
			s.mu.Unlock()
			cloudConnectedMetric.Set(1)
			log.Infof("authenticated with cloud as tenant %s", f.TenantID)
			s.emit(s.authCh, f.TenantID)
			go s.heartbeatLoop(hbStop, stopCh)

		case *protocol.Command:
			commandsReceivedMetric.Inc()
			if f.RequiresAck {
				if err := s.SendCommandAck(f.CmdID); err != nil {
					log.Warnf("failed to ack command %s: %v", f.CmdID, err)
				}
			}
			// Never wedge the read loop on a full channel during shutdown.
			select {
			case s.commandCh <- *f:
			case <-stopCh:
			}

		case *protocol.RequestFullSync:
			select {
			case s.fullSyncCh <- struct{}{}:
			default:
			}

		case *protocol.RequestHeartbeat:
			if err := s.sendHeartbeat(); err != nil {
				log.Warnf("failed to send requested heartbeat: %v", err)
			}

		case *protocol.Disconnect:
			s.mu.Lock()
			s.shouldReconnect = false
			s.mu.Unlock()
			log.Infof("cloud requested disconnect: %s", f.Reason)
			if f.Reason == protocol.ReasonUserDisconnected || f.Reason == protocol.ReasonUserReset {
				if err := s.store.Clear(); err != nil {
					log.Warnf("failed to clear credential: %v", err)
				}
				log.Info("credential cleared, pair again to reconnect")
			}
			return authed, nil

		case *protocol.RequestLogs:
			s.handleRequestLogs(f)
		}
	}
}

func (s *Session) handleAuthFailure(errText string) error {
	log := log.WithField("prefix", "cloud.Session.handleAuthFailure")

	lower := strings.ToLower(errText)
	if strings.Contains(lower, "revoked") || strings.Contains(lower, "invalid") {
		s.mu.Lock()
		s.shouldReconnect = false
		s.mu.Unlock()
		if err := s.store.Clear(); err != nil {
			log.Warnf("failed to clear rejected credential: %v", err)
		}
		log.Errorf("cloud rejected credential (%s); open the cloud dashboard and pair this bridge again", errText)
		s.emit(s.authFailedCh, errText)
		return ErrCredentialRejected
	}

	log.Errorf("cloud authentication failed: %s", errText)
	return fmt.Errorf("cloud authentication failed: %s", errText)
}

func (s *Session) handleRequestLogs(req *protocol.RequestLogs) {
	log := log.WithField("prefix", "cloud.Session.handleRequestLogs")
	if s.logs == nil {
		return
	}
	if !s.logLimiter.Allow() {
		log.Debug("log request rate limited")
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultLogLines
	}
	if err := s.writeFrame(protocol.NewBridgeLogs(s.logs.Recent(count))); err != nil {
		log.Warnf("failed to send bridge logs: %v", err)
	}
}

func (s *Session) teardown(conn *websocket.Conn, hbStop chan struct{}) {
	close(hbStop)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.authenticated = false
	s.mu.Unlock()

	cloudConnectedMetric.Set(0)
	conn.Close()
}

func (s *Session) heartbeatLoop(stop, sessionStop chan struct{}) {
	log := log.WithField("prefix", "cloud.Session.heartbeatLoop")

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendHeartbeat(); err != nil {
				log.Debugf("heartbeat skipped: %v", err)
			}
		case <-stop:
			return
		case <-sessionStop:
			return
		}
	}
}

func (s *Session) sendHeartbeat() error {
	info := s.hubInfo()
	s.mu.Lock()
	reconnects := s.totalReconnects
	s.mu.Unlock()

	hb := protocol.Heartbeat{
		Type:            protocol.TypeHeartbeat,
		BridgeID:        s.opts.BridgeID,
		Timestamp:       s.clock.NowUnixMilli(),
		BridgeVersion:   s.opts.BridgeVersion,
		ProtocolVersion: s.opts.ProtocolVersion,
		HaVersion:       info.HaVersion,
		HaConnected:     info.Connected,
		CloudConnected:  true,
		LastEventAt:     info.LastEventAt,
		EntityCount:     info.EntityCount,
		ReconnectCount:  reconnects,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
	}
	if err := s.writeFrame(hb); err != nil {
		return err
	}
	heartbeatsMetric.Inc()
	return nil
}

// SendFullSync wraps the snapshot with its timestamp and hub version, sends
// it, and reports the outcome with a sync_status frame.
func (s *Session) SendFullSync(data models.FullSyncData) error {
	frame := protocol.NewFullSync(s.clock.NowUnixMilli(), s.hubInfo().HaVersion, data)
	if err := s.writeFrame(frame); err != nil {
		return err
	}
	if err := s.writeFrame(protocol.NewSyncStatus("ok", "")); err != nil {
		log.WithField("prefix", "cloud.Session.SendFullSync").Debugf("sync_status not delivered: %v", err)
	}
	return nil
}

// SendStateBatch emits one state_batch frame. It implements the batcher's
// sink.
func (s *Session) SendStateBatch(batchID string, isOverflow bool, events []protocol.BatchEvent) error {
	return s.writeFrame(protocol.NewStateBatch(batchID, isOverflow, events))
}

// SendCommandAck acknowledges receipt of a command before dispatch.
func (s *Session) SendCommandAck(cmdID string) error {
	return s.writeFrame(protocol.NewCommandAck(cmdID, s.clock.NowUnixMilli()))
}

// SendCommandResult reports the terminal status of a command.
func (s *Session) SendCommandResult(cmdID, status string, result map[string]interface{}, cmdErr *protocol.CommandError) error {
	return s.writeFrame(protocol.NewCommandResult(cmdID, status, result, cmdErr))
}

func (s *Session) writeFrame(frame interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode cloud frame: %w", err)
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
