package domain

import (
	"encoding/json"
	"time"
)

// Direction is the transport direction of a captured frame.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RawFrame is one transport frame exactly as it was captured.
// Immutable once captured.
type RawFrame struct {
	Sequence   uint64    // per-source capture sequence
	ReceivedAt time.Time // local receive time
	Direction  Direction // inbound | outbound
	Payload    []byte    // raw frame bytes
}

// Clone returns a deep copy of the frame.
func (f RawFrame) Clone() RawFrame {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	f.Payload = payload
	return f
}

// ProtocolEvent is an application event decoded from an event frame.
// Ping, pong and ack frames never produce a ProtocolEvent.
type ProtocolEvent struct {
	Name    string          // event name, e.g. "gameStateUpdate"
	Payload json.RawMessage // event data (second element of the frame array)
	Frame   RawFrame        // originating frame
}

// Clone returns a deep copy so subscribers never share mutable buffers.
func (e ProtocolEvent) Clone() ProtocolEvent {
	payload := make(json.RawMessage, len(e.Payload))
	copy(payload, e.Payload)
	e.Payload = payload
	e.Frame = e.Frame.Clone()
	return e
}
