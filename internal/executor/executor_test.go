package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/protocol"
)

type fakeHubService struct {
	mu          sync.Mutex
	calls       []string
	callErr     error
	callResp    json.RawMessage
	states      []models.EntityState
	statesErr   error
	lastDomain  string
	lastService string
	lastData    map[string]interface{}
	lastTarget  map[string]interface{}
}

func (f *fakeHubService) CallService(ctx context.Context, domain, service string, serviceData, target map[string]interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, domain+"."+service)
	f.lastDomain = domain
	f.lastService = service
	f.lastData = serviceData
	f.lastTarget = target
	return f.callResp, f.callErr
}

func (f *fakeHubService) GetStates(ctx context.Context) ([]models.EntityState, error) {
	return f.states, f.statesErr
}

type fakeSyncer struct {
	data models.FullSyncData
}

func (f *fakeSyncer) Collect(ctx context.Context) models.FullSyncData { return f.data }

type capturedResult struct {
	cmdID  string
	status string
	result map[string]interface{}
	err    *protocol.CommandError
}

type fakeResponder struct {
	mu        sync.Mutex
	results   []capturedResult
	fullSyncs []models.FullSyncData
}

func (f *fakeResponder) SendCommandResult(cmdID, status string, result map[string]interface{}, cmdErr *protocol.CommandError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, capturedResult{cmdID: cmdID, status: status, result: result, err: cmdErr})
	return nil
}

func (f *fakeResponder) SendFullSync(data models.FullSyncData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullSyncs = append(f.fullSyncs, data)
	return nil
}

func (f *fakeResponder) single(t *testing.T) capturedResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) != 1 {
		t.Fatalf("responder saw %d results, want 1", len(f.results))
	}
	return f.results[0]
}

const cmdID = "11111111-1111-1111-1111-111111111111"

func TestExecuteCallServiceCompleted(t *testing.T) {
	hub := &fakeHubService{callResp: json.RawMessage(`{"context":{"id":"ctx1"}}`)}
	out := &fakeResponder{}
	e := New(hub, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandCallService,
		Payload: map[string]interface{}{
			"domain":      "light",
			"service":     "turn_on",
			"serviceData": map[string]interface{}{"brightness": 200},
			"target":      map[string]interface{}{"entity_id": "light.kitchen"},
		},
	})

	res := out.single(t)
	if res.cmdID != cmdID || res.status != protocol.StatusCompleted {
		t.Fatalf("result = %s/%s, want completed", res.cmdID, res.status)
	}
	if _, ok := res.result["haResponse"]; !ok {
		t.Error("completed result lacks haResponse")
	}
	if hub.lastDomain != "light" || hub.lastService != "turn_on" {
		t.Errorf("hub called with %s.%s", hub.lastDomain, hub.lastService)
	}
	if hub.lastData["brightness"] != 200 {
		t.Errorf("serviceData = %v", hub.lastData)
	}
	if hub.lastTarget["entity_id"] != "light.kitchen" {
		t.Errorf("target = %v", hub.lastTarget)
	}
}

func TestExecuteCallServiceFailed(t *testing.T) {
	hub := &fakeHubService{callErr: errors.New("service light.explode not found")}
	out := &fakeResponder{}
	e := New(hub, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandCallService,
		Payload:     map[string]interface{}{"domain": "light", "service": "explode"},
	})

	res := out.single(t)
	if res.status != protocol.StatusFailed {
		t.Fatalf("status = %s, want failed", res.status)
	}
	if res.err == nil || res.err.Code != protocol.CodeExecutionFailed {
		t.Fatalf("error = %+v, want EXECUTION_FAILED", res.err)
	}
	if res.err.Message != "service light.explode not found" {
		t.Errorf("error message = %q", res.err.Message)
	}
}

func TestExecuteCallServiceMissingPayload(t *testing.T) {
	hub := &fakeHubService{}
	out := &fakeResponder{}
	e := New(hub, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandCallService,
		Payload:     map[string]interface{}{"service": "turn_on"},
	})

	res := out.single(t)
	if res.status != protocol.StatusFailed {
		t.Fatalf("status = %s, want failed", res.status)
	}
	if len(hub.calls) != 0 {
		t.Error("hub was called despite invalid payload")
	}
}

func TestExecuteUnknownCommandType(t *testing.T) {
	out := &fakeResponder{}
	e := New(&fakeHubService{}, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: "ha_levitate",
	})

	res := out.single(t)
	if res.status != protocol.StatusFailed {
		t.Fatalf("status = %s, want failed", res.status)
	}
	if res.err == nil || res.err.Code != protocol.CodeUnknownCommand {
		t.Fatalf("error = %+v, want UNKNOWN_COMMAND", res.err)
	}
}

func TestExecuteExpiredBeforeDispatch(t *testing.T) {
	hub := &fakeHubService{}
	out := &fakeResponder{}
	e := New(hub, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandCallService,
		Payload:     map[string]interface{}{"domain": "light", "service": "turn_on"},
		IssuedAt:    time.Now().Add(-10 * time.Second).UnixMilli(),
		TTLMs:       5000,
	})

	res := out.single(t)
	if res.status != protocol.StatusExpired {
		t.Fatalf("status = %s, want expired", res.status)
	}
	if len(hub.calls) != 0 {
		t.Error("hub was called for an expired command")
	}
}

func TestExecuteFreshTTLDispatches(t *testing.T) {
	hub := &fakeHubService{callResp: json.RawMessage(`{}`)}
	out := &fakeResponder{}
	e := New(hub, &fakeSyncer{}, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandCallService,
		Payload:     map[string]interface{}{"domain": "light", "service": "turn_on"},
		IssuedAt:    time.Now().UnixMilli(),
		TTLMs:       60000,
	})

	if res := out.single(t); res.status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.status)
	}
}

func TestExecuteFullResync(t *testing.T) {
	syncer := &fakeSyncer{data: models.FullSyncData{
		Entities: []models.SyncedEntity{{EntityID: "light.kitchen", State: "on"}},
	}}
	out := &fakeResponder{}
	e := New(&fakeHubService{}, syncer, out, nil)

	e.Execute(context.Background(), protocol.Command{
		CmdID:       cmdID,
		CommandType: protocol.CommandFullResync,
	})

	if len(out.fullSyncs) != 1 {
		t.Fatalf("responder saw %d full syncs, want 1", len(out.fullSyncs))
	}
	res := out.single(t)
	if res.status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.status)
	}
	if res.result["entityCount"] != 1 {
		t.Errorf("entityCount = %v, want 1", res.result["entityCount"])
	}
}

func TestExecuteRefreshEntity(t *testing.T) {
	hub := &fakeHubService{states: []models.EntityState{
		{EntityID: "light.kitchen", State: "on"},
		{EntityID: "sensor.hall", State: "21.5"},
	}}

	t.Run("found", func(t *testing.T) {
		out := &fakeResponder{}
		e := New(hub, &fakeSyncer{}, out, nil)
		e.Execute(context.Background(), protocol.Command{
			CmdID:       cmdID,
			CommandType: protocol.CommandRefreshEntity,
			Payload:     map[string]interface{}{"entityId": "sensor.hall"},
		})

		res := out.single(t)
		if res.status != protocol.StatusCompleted {
			t.Fatalf("status = %s, want completed", res.status)
		}
		entity, ok := res.result["entity"].(models.EntityState)
		if !ok || entity.State != "21.5" {
			t.Errorf("entity = %+v", res.result["entity"])
		}
	})

	t.Run("missing", func(t *testing.T) {
		out := &fakeResponder{}
		e := New(hub, &fakeSyncer{}, out, nil)
		e.Execute(context.Background(), protocol.Command{
			CmdID:       cmdID,
			CommandType: protocol.CommandRefreshEntity,
			Payload:     map[string]interface{}{"entityId": "light.garage"},
		})

		res := out.single(t)
		if res.status != protocol.StatusFailed {
			t.Fatalf("status = %s, want failed", res.status)
		}
		if res.err == nil || res.err.Code != protocol.CodeEntityNotFound {
			t.Fatalf("error = %+v, want ENTITY_NOT_FOUND", res.err)
		}
	})
}
