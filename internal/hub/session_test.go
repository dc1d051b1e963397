package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testToken = "valid-token"

// fakeHub emulates the hub's native WebSocket scheme: auth handshake first,
// then request/response frames keyed by id.
type fakeHub struct {
	srv       *httptest.Server
	conns     chan *websocket.Conn
	dials     atomic.Int64
	onCommand func(conn *websocket.Conn, req map[string]interface{})
}

func startFakeHub(t *testing.T, onCommand func(conn *websocket.Conn, req map[string]interface{})) *fakeHub {
	t.Helper()

	f := &fakeHub{
		conns:     make(chan *websocket.Conn, 8),
		onCommand: onCommand,
	}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.dials.Add(1)

		if err := conn.WriteJSON(map[string]interface{}{"type": "auth_required"}); err != nil {
			return
		}
		var auth map[string]interface{}
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != testToken {
			conn.WriteJSON(map[string]interface{}{"type": "auth_invalid", "message": "Invalid access token"})
			conn.Close()
			return
		}
		if err := conn.WriteJSON(map[string]interface{}{"type": "auth_ok", "ha_version": "2024.8.1"}); err != nil {
			return
		}
		f.conns <- conn

		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if f.onCommand != nil {
				f.onCommand(conn, req)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// ackAll answers every request with an empty success result.
func ackAll(conn *websocket.Conn, req map[string]interface{}) {
	conn.WriteJSON(map[string]interface{}{
		"type":    "result",
		"id":      req["id"],
		"success": true,
		"result":  map[string]interface{}{},
	})
}

func newTestSession(t *testing.T, f *fakeHub, opts Options) *Session {
	t.Helper()
	opts.BaseURL = f.srv.URL
	if opts.Token == "" {
		opts.Token = testToken
	}
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s
}

func waitAuth(t *testing.T, s *Session) string {
	t.Helper()
	select {
	case v := <-s.AuthEvents():
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub authentication")
		return ""
	}
}

func TestSessionAuthenticatesAndDeliversStateEvents(t *testing.T) {
	f := startFakeHub(t, ackAll)
	s := newTestSession(t, f, Options{})
	s.Connect()

	if got := waitAuth(t, s); got != "2024.8.1" {
		t.Errorf("auth version = %q, want 2024.8.1", got)
	}
	if !s.Connected() {
		t.Error("Connected() = false after auth")
	}
	if got := s.HaVersion(); got != "2024.8.1" {
		t.Errorf("HaVersion() = %q", got)
	}

	conn := <-f.conns
	event := map[string]interface{}{
		"type": "event",
		"id":   1,
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"time_fired": "2024-08-26T10:00:00Z",
			"data": map[string]interface{}{
				"entity_id": "light.kitchen",
				"old_state": map[string]interface{}{"entity_id": "light.kitchen", "state": "off"},
				"new_state": map[string]interface{}{"entity_id": "light.kitchen", "state": "on"},
			},
		},
	}
	if err := conn.WriteJSON(event); err != nil {
		t.Fatalf("failed to emit event: %v", err)
	}

	select {
	case ev := <-s.StateChanges():
		if ev.EntityID != "light.kitchen" {
			t.Errorf("EntityID = %q, want light.kitchen", ev.EntityID)
		}
		if ev.NewState == nil || ev.NewState.State != "on" {
			t.Errorf("NewState = %+v, want on", ev.NewState)
		}
		if ev.OldState == nil || ev.OldState.State != "off" {
			t.Errorf("OldState = %+v, want off", ev.OldState)
		}
		if ev.Timestamp != "2024-08-26T10:00:00Z" {
			t.Errorf("Timestamp = %q", ev.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state event")
	}
}

func TestSendCommandResultAndError(t *testing.T) {
	f := startFakeHub(t, func(conn *websocket.Conn, req map[string]interface{}) {
		switch req["type"] {
		case "get_config":
			conn.WriteJSON(map[string]interface{}{
				"type": "result", "id": req["id"], "success": true,
				"result": map[string]interface{}{"version": "2024.8.1"},
			})
		case "call_service":
			conn.WriteJSON(map[string]interface{}{
				"type": "result", "id": req["id"], "success": false,
				"error": map[string]interface{}{"code": "not_found", "message": "Service light.explode not found"},
			})
		default:
			ackAll(conn, req)
		}
	})
	s := newTestSession(t, f, Options{})
	s.Connect()
	waitAuth(t, s)

	cfg, err := s.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg["version"] != "2024.8.1" {
		t.Errorf("GetConfig() version = %v", cfg["version"])
	}

	_, err = s.CallService(context.Background(), "light", "explode", nil, nil)
	if err == nil {
		t.Fatal("CallService() expected error")
	}
	if err.Error() != "Service light.explode not found" {
		t.Errorf("CallService() error = %q, want server message", err.Error())
	}
}

func TestSendCommandTimeoutAndLateResult(t *testing.T) {
	f := startFakeHub(t, func(conn *websocket.Conn, req map[string]interface{}) {
		if req["type"] == "get_states" {
			// Swallow the request; the waiter must time out. Deliver the
			// result late to prove it is dropped without panicking.
			go func(id interface{}) {
				time.Sleep(200 * time.Millisecond)
				conn.WriteJSON(map[string]interface{}{
					"type": "result", "id": id, "success": true, "result": []interface{}{},
				})
			}(req["id"])
			return
		}
		ackAll(conn, req)
	})
	s := newTestSession(t, f, Options{RequestTimeout: 50 * time.Millisecond})
	s.Connect()
	waitAuth(t, s)

	_, err := s.GetStates(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("GetStates() error = %v, want ErrTimeout", err)
	}

	// Give the late result time to arrive; the session must survive it.
	time.Sleep(300 * time.Millisecond)
	if !s.Connected() {
		t.Error("session dropped after late result")
	}
}

func TestAuthInvalidIsTerminal(t *testing.T) {
	f := startFakeHub(t, ackAll)
	s := newTestSession(t, f, Options{Token: "wrong-token"})
	s.Connect()

	select {
	case msg := <-s.AuthFailures():
		if msg != "Invalid access token" {
			t.Errorf("auth failure message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth failure")
	}

	// No retry on the same token.
	time.Sleep(100 * time.Millisecond)
	if got := f.dials.Load(); got != 1 {
		t.Errorf("hub saw %d connection attempts, want 1", got)
	}
}

func TestDisconnectFailsInFlightWaiters(t *testing.T) {
	f := startFakeHub(t, func(conn *websocket.Conn, req map[string]interface{}) {
		if req["type"] == "get_states" {
			return // never answered
		}
		ackAll(conn, req)
	})
	s := newTestSession(t, f, Options{RequestTimeout: 5 * time.Second})
	s.Connect()
	waitAuth(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetStates(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	conn := <-f.conns
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("in-flight RPC error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight RPC did not fail on disconnect")
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	f := startFakeHub(t, ackAll)
	s := newTestSession(t, f, Options{})
	s.Connect()
	waitAuth(t, s)

	conn := <-f.conns
	conn.Close()

	// The session must dial again and re-authenticate.
	if got := waitAuth(t, s); got != "2024.8.1" {
		t.Errorf("re-auth version = %q", got)
	}
	if f.dials.Load() < 2 {
		t.Errorf("hub saw %d connection attempts, want at least 2", f.dials.Load())
	}
}

func TestDisconnectUnblocksFullStateChannel(t *testing.T) {
	f := startFakeHub(t, ackAll)
	s := newTestSession(t, f, Options{})
	s.Connect()
	waitAuth(t, s)

	// Flood well past the channel capacity with nobody draining
	// StateChanges; the read loop must not wedge shutdown.
	conn := <-f.conns
	for i := 0; i < 400; i++ {
		event := map[string]interface{}{
			"type": "event",
			"id":   1,
			"event": map[string]interface{}{
				"event_type": "state_changed",
				"data": map[string]interface{}{
					"entity_id": "light.kitchen",
					"new_state": map[string]interface{}{"entity_id": "light.kitchen", "state": "on"},
				},
			},
		}
		if err := conn.WriteJSON(event); err != nil {
			t.Fatalf("failed to emit event %d: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect() blocked behind a full state channel")
	}
}

func TestRequestIDsStartAtOnePerSession(t *testing.T) {
	ids := make(chan interface{}, 8)
	f := startFakeHub(t, func(conn *websocket.Conn, req map[string]interface{}) {
		ids <- req["id"]
		ackAll(conn, req)
	})
	s := newTestSession(t, f, Options{})
	s.Connect()
	waitAuth(t, s)

	// The automatic subscription consumes the first id.
	first := <-ids
	if first.(float64) != 1 {
		t.Errorf("first request id = %v, want 1", first)
	}
	if _, err := s.GetConfig(context.Background()); err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	second := <-ids
	if second.(float64) != 2 {
		t.Errorf("second request id = %v, want 2", second)
	}
}
