// Package protocol implements the tagged-message framing between the bridge
// and the cloud. Every frame is a JSON object with a "type" discriminator.
// Outbound frames are produced by typed constructors; inbound frames are
// decoded by tag and validated before they reach any other component.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
)

// Bridge -> cloud frame types.
const (
	TypeAuthenticate  = "authenticate"
	TypeHeartbeat     = "heartbeat"
	TypeFullSync      = "full_sync"
	TypeStateBatch    = "state_batch"
	TypeSyncStatus    = "sync_status"
	TypeCommandAck    = "command_ack"
	TypeCommandResult = "command_result"
	TypeError         = "error"
	TypeBridgeLogs    = "bridge_logs"
)

// Cloud -> bridge frame types.
const (
	TypeAuthResult       = "auth_result"
	TypeCommand          = "command"
	TypeRequestFullSync  = "request_full_sync"
	TypeRequestHeartbeat = "request_heartbeat"
	TypeDisconnect       = "disconnect"
	TypeRequestLogs      = "request_logs"
)

// Command lifecycle statuses.
const (
	StatusAcknowledged = "acknowledged"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusExpired      = "expired"
)

// Command error codes.
const (
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeEntityNotFound  = "ENTITY_NOT_FOUND"
)

// Command types the executor understands.
const (
	CommandCallService   = "ha_call_service"
	CommandFullResync    = "ha_full_resync"
	CommandRefreshEntity = "ha_refresh_entity"
)

// Disconnect reasons that clear the stored credential.
const (
	ReasonUserDisconnected = "user_disconnected"
	ReasonUserReset        = "user_reset"
)

// ErrUnknownType marks an inbound frame whose tag the codec does not know.
// Callers log and drop such frames; they are never fatal.
var ErrUnknownType = errors.New("unknown message type")

type Authenticate struct {
	Type             string `json:"type"`
	BridgeID         string `json:"bridgeId"`
	BridgeCredential string `json:"bridgeCredential"`
	ProtocolVersion  int    `json:"protocolVersion"`
}

type Heartbeat struct {
	Type            string `json:"type"`
	BridgeID        string `json:"bridgeId"`
	Timestamp       int64  `json:"timestamp"`
	BridgeVersion   string `json:"bridgeVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
	HaVersion       string `json:"haVersion,omitempty"`
	HaConnected     bool   `json:"haConnected"`
	CloudConnected  bool   `json:"cloudConnected"`
	LastEventAt     int64  `json:"lastEventAt,omitempty"`
	EntityCount     int    `json:"entityCount"`
	ReconnectCount  int    `json:"reconnectCount"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
}

type FullSync struct {
	Type      string              `json:"type"`
	SyncedAt  int64               `json:"syncedAt"`
	HaVersion string              `json:"haVersion,omitempty"`
	Data      models.FullSyncData `json:"data"`
}

// BatchEvent is one coalesced state change inside a state_batch frame.
type BatchEvent struct {
	EntityID  string              `json:"entityId"`
	OldState  *models.EntityState `json:"oldState,omitempty"`
	NewState  *models.EntityState `json:"newState"`
	Timestamp string              `json:"timestamp,omitempty"`
}

type StateBatch struct {
	Type       string       `json:"type"`
	BatchID    string       `json:"batchId"`
	IsOverflow bool         `json:"isOverflow"`
	Events     []BatchEvent `json:"events"`
}

type SyncStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type CommandAck struct {
	Type       string `json:"type"`
	CmdID      string `json:"cmdId"`
	Status     string `json:"status"`
	ReceivedAt int64  `json:"receivedAt"`
}

type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CommandResult struct {
	Type   string                 `json:"type"`
	CmdID  string                 `json:"cmdId"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  *CommandError          `json:"error,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type BridgeLogs struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

type AuthResult struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	TenantID string `json:"tenantId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Command struct {
	Type        string                 `json:"type"`
	CmdID       string                 `json:"cmdId"`
	TenantID    string                 `json:"tenantId,omitempty"`
	IssuedAt    int64                  `json:"issuedAt,omitempty"`
	CommandType string                 `json:"commandType"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	RequiresAck bool                   `json:"requiresAck,omitempty"`
	TTLMs       int64                  `json:"ttlMs,omitempty"`
}

type RequestFullSync struct {
	Type string `json:"type"`
}

type RequestHeartbeat struct {
	Type string `json:"type"`
}

type Disconnect struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type RequestLogs struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

func NewAuthenticate(bridgeID, bridgeCredential string, protocolVersion int) Authenticate {
	return Authenticate{
		Type:             TypeAuthenticate,
		BridgeID:         bridgeID,
		BridgeCredential: bridgeCredential,
		ProtocolVersion:  protocolVersion,
	}
}

func NewFullSync(syncedAt int64, haVersion string, data models.FullSyncData) FullSync {
	return FullSync{
		Type:      TypeFullSync,
		SyncedAt:  syncedAt,
		HaVersion: haVersion,
		Data:      data,
	}
}

func NewStateBatch(batchID string, isOverflow bool, events []BatchEvent) StateBatch {
	return StateBatch{
		Type:       TypeStateBatch,
		BatchID:    batchID,
		IsOverflow: isOverflow,
		Events:     events,
	}
}

func NewSyncStatus(status, detail string) SyncStatus {
	return SyncStatus{
		Type:   TypeSyncStatus,
		Status: status,
		Detail: detail,
	}
}

func NewCommandAck(cmdID string, receivedAt int64) CommandAck {
	return CommandAck{
		Type:       TypeCommandAck,
		CmdID:      cmdID,
		Status:     StatusAcknowledged,
		ReceivedAt: receivedAt,
	}
}

func NewCommandResult(cmdID, status string, result map[string]interface{}, cmdErr *CommandError) CommandResult {
	return CommandResult{
		Type:   TypeCommandResult,
		CmdID:  cmdID,
		Status: status,
		Result: result,
		Error:  cmdErr,
	}
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{
		Type:    TypeError,
		Code:    code,
		Message: message,
	}
}

func NewBridgeLogs(lines []string) BridgeLogs {
	return BridgeLogs{
		Type:  TypeBridgeLogs,
		Lines: lines,
	}
}

// Encode marshals an outbound frame. The typed constructors make invalid
// shapes unrepresentable; Encode only serializes.
func Encode(frame interface{}) ([]byte, error) {
	return sonic.Marshal(frame)
}

// NewBatchID mints a batch id, preferring time-ordered UUIDs.
func NewBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		logrus.WithError(err).Warn("Failed to generate UUIDv7, falling back to UUIDv4")
		return uuid.New().String()
	}
	return id.String()
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses an inbound cloud frame into its concrete type. The returned
// value is one of *AuthResult, *Command, *RequestFullSync, *RequestHeartbeat,
// *Disconnect or *RequestLogs. Unknown tags return the tag alongside
// ErrUnknownType so callers can log and drop.
func Decode(data []byte) (interface{}, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame has no type field")
	}

	switch env.Type {
	case TypeAuthResult:
		var f AuthResult
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		return &f, nil
	case TypeCommand:
		var f Command
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		if f.CmdID == "" {
			return nil, errors.New("command frame has no cmdId")
		}
		if f.CommandType == "" {
			return nil, errors.New("command frame has no commandType")
		}
		return &f, nil
	case TypeRequestFullSync:
		var f RequestFullSync
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		return &f, nil
	case TypeRequestHeartbeat:
		var f RequestHeartbeat
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		return &f, nil
	case TypeDisconnect:
		var f Disconnect
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		return &f, nil
	case TypeRequestLogs:
		var f RequestLogs
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
