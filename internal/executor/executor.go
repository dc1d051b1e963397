// Package executor turns cloud commands into hub RPCs and reports the
// outcome back as command_result frames. Failures stay local: every path out
// of Execute is a typed result, never an error that tears anything down.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/ntp"
	"github.com/helm-home/bridge/internal/protocol"
)

var (
	executedCommandsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_commands_total",
		Help: "The total number of cloud commands processed, by outcome",
	}, []string{"status"})
)

// HubService is the slice of the hub session the executor calls into.
type HubService interface {
	CallService(ctx context.Context, domain, service string, serviceData, target map[string]interface{}) (json.RawMessage, error)
	GetStates(ctx context.Context) ([]models.EntityState, error)
}

// Syncer produces the full topology snapshot for ha_full_resync.
type Syncer interface {
	Collect(ctx context.Context) models.FullSyncData
}

// Responder carries results back to the cloud. The cloud session implements
// it; every send is a no-op when the socket is down.
type Responder interface {
	SendCommandResult(cmdID, status string, result map[string]interface{}, cmdErr *protocol.CommandError) error
	SendFullSync(data models.FullSyncData) error
}

type Executor struct {
	hub     HubService
	syncer  Syncer
	out     Responder
	clock   ntp.TimeProvider
	timeout time.Duration
}

func New(hub HubService, syncer Syncer, out Responder, clock ntp.TimeProvider) *Executor {
	if clock == nil {
		clock = ntp.NewLocalTimeProvider()
	}
	return &Executor{
		hub:     hub,
		syncer:  syncer,
		out:     out,
		clock:   clock,
		timeout: 60 * time.Second,
	}
}

// Execute runs one command to completion and emits exactly one
// command_result for it. The ack, when required, was already sent by the
// cloud session before dispatch.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) {
	log := log.WithField("prefix", "executor.Execute")

	if cmd.TTLMs > 0 && cmd.IssuedAt > 0 {
		age := e.clock.NowUnixMilli() - cmd.IssuedAt
		if age >= cmd.TTLMs {
			log.Warnf("command %s expired before dispatch (age %dms, ttl %dms)", cmd.CmdID, age, cmd.TTLMs)
			e.finish(cmd.CmdID, protocol.StatusExpired, nil, nil)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch cmd.CommandType {
	case protocol.CommandCallService:
		e.callService(ctx, cmd)
	case protocol.CommandFullResync:
		e.fullResync(ctx, cmd)
	case protocol.CommandRefreshEntity:
		e.refreshEntity(ctx, cmd)
	default:
		log.Warnf("command %s has unknown type %q", cmd.CmdID, cmd.CommandType)
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeUnknownCommand,
			Message: fmt.Sprintf("unknown command type %q", cmd.CommandType),
		})
	}
}

func (e *Executor) callService(ctx context.Context, cmd protocol.Command) {
	domain, _ := cmd.Payload["domain"].(string)
	service, _ := cmd.Payload["service"].(string)
	if domain == "" || service == "" {
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeExecutionFailed,
			Message: "payload must carry domain and service",
		})
		return
	}
	serviceData, _ := cmd.Payload["serviceData"].(map[string]interface{})
	target, _ := cmd.Payload["target"].(map[string]interface{})

	resp, err := e.hub.CallService(ctx, domain, service, serviceData, target)
	if err != nil {
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeExecutionFailed,
			Message: err.Error(),
		})
		return
	}

	result := map[string]interface{}{"haResponse": resp}
	e.finish(cmd.CmdID, protocol.StatusCompleted, result, nil)
}

func (e *Executor) fullResync(ctx context.Context, cmd protocol.Command) {
	log := log.WithField("prefix", "executor.fullResync")

	data := e.syncer.Collect(ctx)
	if err := e.out.SendFullSync(data); err != nil {
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeExecutionFailed,
			Message: err.Error(),
		})
		return
	}
	log.Infof("resync for command %s sent %d entities", cmd.CmdID, len(data.Entities))
	e.finish(cmd.CmdID, protocol.StatusCompleted, map[string]interface{}{
		"entityCount": len(data.Entities),
	}, nil)
}

func (e *Executor) refreshEntity(ctx context.Context, cmd protocol.Command) {
	entityID, _ := cmd.Payload["entityId"].(string)
	if entityID == "" {
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeExecutionFailed,
			Message: "payload must carry entityId",
		})
		return
	}

	states, err := e.hub.GetStates(ctx)
	if err != nil {
		e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
			Code:    protocol.CodeExecutionFailed,
			Message: err.Error(),
		})
		return
	}
	for _, state := range states {
		if state.EntityID == entityID {
			e.finish(cmd.CmdID, protocol.StatusCompleted, map[string]interface{}{
				"entity": state,
			}, nil)
			return
		}
	}
	e.finish(cmd.CmdID, protocol.StatusFailed, nil, &protocol.CommandError{
		Code:    protocol.CodeEntityNotFound,
		Message: fmt.Sprintf("entity %q is not known to the hub", entityID),
	})
}

func (e *Executor) finish(cmdID, status string, result map[string]interface{}, cmdErr *protocol.CommandError) {
	executedCommandsMetric.WithLabelValues(status).Inc()
	if err := e.out.SendCommandResult(cmdID, status, result, cmdErr); err != nil {
		log.WithField("prefix", "executor.finish").Warnf("failed to report result for command %s: %v", cmdID, err)
	}
}
