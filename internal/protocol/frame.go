package protocol

import "encoding/json"

// FrameType is the classification of a transport frame.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameConnect
	FrameDisconnect
	FramePing
	FramePong
	FrameEvent
	FrameAck
	FrameError
)

// String returns the string representation of FrameType.
func (t FrameType) String() string {
	switch t {
	case FrameConnect:
		return "connect"
	case FrameDisconnect:
		return "disconnect"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameEvent:
		return "event"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Engine.IO packet types (first byte of every frame).
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO packet types (second byte of a message frame).
const (
	socketConnect     = '0'
	socketDisconnect  = '1'
	socketEvent       = '2'
	socketAck         = '3'
	socketError       = '4'
	socketBinaryEvent = '5'
	socketBinaryAck   = '6'
)

// Frame is a classified transport frame.
type Frame struct {
	Type      FrameType
	Transport bool              // Engine.IO level frame (open/close/ping/pong)
	Namespace string            // "" for the default namespace
	AckID     *int64            // present when the sender expects an ack
	Name      string            // event name, FrameEvent only
	Data      json.RawMessage   // first data argument, or the JSON body for connect/error
	Args      []json.RawMessage // all data arguments after the event name
}

// IsEvent reports whether the frame carries an application event.
func (f Frame) IsEvent() bool {
	return f.Type == FrameEvent
}

// Handshake is the Engine.IO open payload.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // ms
	PingTimeout  int      `json:"pingTimeout"`  // ms
	MaxPayload   int      `json:"maxPayload"`
}
