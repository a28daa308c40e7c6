// Package bus implements the message bus: typed DATA/CONTROL/STATUS/RPC
// messages with LOW/MEDIUM/HIGH priority, FIFO delivery per
// sender-to-receiver pair, and a synchronous HIGH-priority fast path for
// messages originating in the orchestrator process itself. Cross-process
// delivery to worker subprocesses rides NATS subjects (nats.go).
package bus

import "github.com/google/uuid"

// Type is the coarse message category.
type Type string

const (
	TypeData    Type = "DATA"
	TypeControl Type = "CONTROL"
	TypeStatus  Type = "STATUS"
	TypeRPC     Type = "RPC"
)

// Code is a fixed enum per Type.
type Code string

const (
	// DATA codes.
	CodeItems Code = "ITEMS"

	// CONTROL codes.
	CodeStop      Code = "STOP"
	CodeStopAudit Code = "STOP_AUDIT"
	CodeWarning   Code = "WARNING"
	CodeError     Code = "ERROR"
	CodeACK       Code = "ACK"

	// STATUS codes.
	CodeInfo     Code = "INFO"
	CodeProgress Code = "PROGRESS"
	CodeLog      Code = "LOG"

	// RPC codes.
	CodeRPCRequest  Code = "RPC_REQUEST"
	CodeRPCResponse Code = "RPC_RESPONSE"
	CodeRPCBulk     Code = "RPC_BULK"
)

// Priority selects the message's delivery discipline.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

// OrchestratorID is the well-known SenderID/ReceiverID the single
// in-process orchestrator thread uses. Workers use their own worker id.
const OrchestratorID = "orchestrator"

// RPCResult is what an RPC call resolves to: either a value, or a
// three-part error (kind, message, trace).
type RPCResult struct {
	OK         bool
	Value      any
	ErrKind    string
	ErrMessage string
	ErrTrace   string
}

// Message is the unit the bus moves. RPC messages additionally carry a
// response channel; it is nil for every other Type.
type Message struct {
	ID         string
	Type       Type
	Code       Code
	Payload    any
	AuditName  string
	PluginName string
	Priority   Priority

	SenderID   string
	ReceiverID string

	response chan RPCResult
}

// New builds a message with a fresh correlation id. id is a correlation
// aid only (logging, RPC matching) — it never participates in data
// identity, which is a pure content hash (internal/data).
func New(typ Type, code Code, payload any, priority Priority) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Type:     typ,
		Code:     code,
		Payload:  payload,
		Priority: priority,
	}
}

// NewRPC builds an RPC request message with its response channel already
// allocated; Bus.SendRPC reads from it after publishing.
func NewRPC(code Code, payload any) *Message {
	m := New(TypeRPC, code, payload, High)
	m.response = make(chan RPCResult, 1)
	return m
}
