// Package protocol defines the wire format shared by the deskbridge server
// and its two peer applications (the desktop agent and the editor).
// This package has zero internal dependencies to stay at the bottom
// of the dependency graph.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Role identifies the logical class of a connected peer.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleEditor Role = "editor"

	// RoleBroadcast is a pseudo-target: deliver to every other active peer.
	RoleBroadcast Role = "broadcast"
)

// Valid reports whether r is a registrable role. Broadcast is a routing
// target only and can never be registered.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleEditor
}

// Control frame types. These are always known to the server and are never
// routed to the counterpart peer.
const (
	// TypeRegister must be the first frame on a new connection.
	TypeRegister = "register"
	// TypeRegistered is the server's acknowledgement of a registration.
	TypeRegistered = "registered"
	// TypePing is a client heartbeat.
	TypePing = "ping"
	// TypePong is the server's heartbeat reply.
	TypePong = "pong"
	// TypeError carries a rejection back to the sender.
	TypeError = "error"
	// TypeSuperseded tells a peer it was displaced by a newer connection
	// of the same role.
	TypeSuperseded = "superseded"
	// TypePeerLeft tells a peer its counterpart disconnected.
	TypePeerLeft = "peer.left"
	// TypeDeliveryDropped tells a sender its message was discarded.
	TypeDeliveryDropped = "delivery.dropped"
	// TypeBackpressure tells a peer the server shed messages from its
	// send queue. Emitted once per congestion episode.
	TypeBackpressure = "backpressure"
)

// Data frame types known out of the box. The set is open: peers may declare
// additional types at registration and operators may extend it in config.
const (
	TypeFileOpen     = "file.open"
	TypeFileSave     = "file.save"
	TypeLearningSync = "learning.sync"
	TypeStatusUpdate = "status.update"
)

// Error codes carried in TypeError payloads.
const (
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeInvalidTarget      = "INVALID_TARGET"
	CodeDeliveryDropped    = "DELIVERY_DROPPED"
	CodeMalformed          = "MALFORMED"
)

// Disconnect reasons carried in peer.left payloads.
const (
	ReasonClosed     = "closed"
	ReasonTimeout    = "timeout"
	ReasonSuperseded = "superseded"
	ReasonError      = "error"
)

// DeliveryPolicy decides what happens to a message whose target role has no
// active peer.
type DeliveryPolicy string

const (
	// PolicyDrop discards the message immediately and notifies the sender.
	PolicyDrop DeliveryPolicy = "drop"
	// PolicyQueue holds the message until the target activates or a
	// deadline expires.
	PolicyQueue DeliveryPolicy = "queue"
)

// ErrMissingType is returned by ParseFrame for frames without a type field.
var ErrMissingType = errors.New("frame has no type")

// Frame is the wire format for every message crossing the bridge.
type Frame struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	TargetRole    Role           `json:"targetRole,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
}

// TypeDecl declares a message type and its delivery policy at registration.
type TypeDecl struct {
	Name   string         `json:"name"`
	Policy DeliveryPolicy `json:"policy,omitempty"`
}

// Registration is the payload of a TypeRegister frame.
type Registration struct {
	Role  Role       `json:"role"`
	Types []TypeDecl `json:"types,omitempty"`
}

// NewFrame creates a Frame with the given type and payload, stamped now.
func NewFrame(frameType string, payload map[string]any) Frame {
	return Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewError creates an error Frame with a machine code and human message.
// correlationID may be empty when the error is not tied to a request.
func NewError(code, message, correlationID string) Frame {
	f := NewFrame(TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
	f.CorrelationID = correlationID
	return f
}

// NewPeerLeft creates a peer.left notice for the counterpart of a departed
// peer.
func NewPeerLeft(role Role, reason string) Frame {
	return NewFrame(TypePeerLeft, map[string]any{
		"role":   string(role),
		"reason": reason,
	})
}

// NewDeliveryDropped creates the one-and-only notice a sender receives when
// a message is discarded instead of delivered.
func NewDeliveryDropped(frameType, reason, correlationID string) Frame {
	f := NewFrame(TypeDeliveryDropped, map[string]any{
		"code":   CodeDeliveryDropped,
		"type":   frameType,
		"reason": reason,
	})
	f.CorrelationID = correlationID
	return f
}

// ParseFrame decodes a raw websocket text message into a Frame.
// A frame that is valid JSON but has no type is rejected: routing is
// impossible without one.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	return f, nil
}

// ParseRegistration decodes the payload of a register frame.
func (f Frame) ParseRegistration() (Registration, error) {
	raw, err := json.Marshal(f.Payload)
	if err != nil {
		return Registration{}, err
	}
	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Marshal serializes the frame for the wire.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
