package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"rugs-feed-lab/internal/domain"
)

// Parse classifies one frame payload.
// Malformed or truncated input returns (Frame{}, false). Parse never panics
// and holds no state, so it is safe to call from any goroutine.
func Parse(payload []byte) (Frame, bool) {
	if len(payload) == 0 {
		return Frame{}, false
	}

	switch payload[0] {
	case engineOpen:
		f := Frame{Type: FrameConnect, Transport: true}
		if body := payload[1:]; len(body) > 0 {
			if !json.Valid(body) {
				return Frame{}, false
			}
			f.Data = json.RawMessage(body)
		}
		return f, true
	case engineClose:
		return Frame{Type: FrameDisconnect, Transport: true}, true
	case enginePing:
		return Frame{Type: FramePing, Transport: true, Data: pingPayload(payload[1:])}, true
	case enginePong:
		return Frame{Type: FramePong, Transport: true, Data: pingPayload(payload[1:])}, true
	case engineMessage:
		return parseMessage(payload[1:])
	case engineUpgrade, engineNoop:
		return Frame{Type: FrameUnknown, Transport: true}, true
	default:
		return Frame{}, false
	}
}

// ParseRaw classifies a captured frame and, for event frames, builds the ProtocolEvent.
func ParseRaw(raw domain.RawFrame) (Frame, *domain.ProtocolEvent, bool) {
	f, ok := Parse(raw.Payload)
	if !ok {
		return Frame{}, nil, false
	}
	if f.Type != FrameEvent {
		return f, nil, true
	}
	return f, &domain.ProtocolEvent{
		Name:    f.Name,
		Payload: f.Data,
		Frame:   raw,
	}, true
}

// ParseHandshake decodes the body of an Engine.IO open frame.
func ParseHandshake(f Frame) (Handshake, bool) {
	var h Handshake
	if f.Type != FrameConnect || !f.Transport || len(f.Data) == 0 {
		return h, false
	}
	if err := json.Unmarshal(f.Data, &h); err != nil {
		return h, false
	}
	return h, true
}

// pingPayload keeps the optional suffix of ping/pong frames as a JSON string.
func pingPayload(rest []byte) json.RawMessage {
	if len(rest) == 0 {
		return nil
	}
	b, err := json.Marshal(string(rest))
	if err != nil {
		return nil
	}
	return b
}

func parseMessage(body []byte) (Frame, bool) {
	if len(body) == 0 {
		return Frame{}, false
	}

	kind := body[0]
	rest := body[1:]

	switch kind {
	case socketBinaryEvent, socketBinaryAck:
		return Frame{Type: FrameUnknown}, true
	case socketConnect, socketDisconnect, socketEvent, socketAck, socketError:
	default:
		return Frame{}, false
	}

	ns, rest, ok := splitNamespace(rest)
	if !ok {
		return Frame{}, false
	}

	switch kind {
	case socketConnect:
		f := Frame{Type: FrameConnect, Namespace: ns}
		if len(rest) > 0 {
			if !json.Valid(rest) {
				return Frame{}, false
			}
			f.Data = json.RawMessage(rest)
		}
		return f, true

	case socketDisconnect:
		if len(rest) > 0 {
			return Frame{}, false
		}
		return Frame{Type: FrameDisconnect, Namespace: ns}, true

	case socketError:
		f := Frame{Type: FrameError, Namespace: ns}
		if len(rest) > 0 {
			if !json.Valid(rest) {
				return Frame{}, false
			}
			f.Data = json.RawMessage(rest)
		}
		return f, true
	}

	ackID, rest, ok := splitAckID(rest)
	if !ok {
		return Frame{}, false
	}

	args, ok := decodeArray(rest)
	if !ok {
		return Frame{}, false
	}

	if kind == socketAck {
		if ackID == nil {
			return Frame{}, false
		}
		f := Frame{Type: FrameAck, Namespace: ns, AckID: ackID, Args: args}
		if len(args) > 0 {
			f.Data = args[0]
		}
		return f, true
	}

	// Event: first element is the event name.
	if len(args) == 0 {
		return Frame{}, false
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return Frame{}, false
	}

	f := Frame{
		Type:      FrameEvent,
		Namespace: ns,
		AckID:     ackID,
		Name:      name,
		Args:      args[1:],
	}
	if len(f.Args) > 0 {
		f.Data = f.Args[0]
	} else {
		f.Data = json.RawMessage("null")
	}
	return f, true
}

// splitNamespace strips an optional "/ns," prefix.
// A namespace without the trailing comma is only valid when nothing follows it.
func splitNamespace(b []byte) (string, []byte, bool) {
	if len(b) == 0 || b[0] != '/' {
		return "", b, true
	}
	idx := bytes.IndexByte(b, ',')
	if idx < 0 {
		// "40/admin" with no body
		for _, c := range b {
			if c == '[' || c == '{' {
				return "", nil, false
			}
		}
		return string(b), nil, true
	}
	return string(b[:idx]), b[idx+1:], true
}

// splitAckID strips an optional run of digits before the JSON body.
func splitAckID(b []byte) (*int64, []byte, bool) {
	n := 0
	for n < len(b) && b[n] >= '0' && b[n] <= '9' {
		n++
	}
	if n == 0 {
		return nil, b, true
	}
	id, err := strconv.ParseInt(string(b[:n]), 10, 64)
	if err != nil {
		return nil, nil, false
	}
	return &id, b[n:], true
}

func decodeArray(b []byte) ([]json.RawMessage, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return nil, false
	}
	var args []json.RawMessage
	if err := json.Unmarshal(b, &args); err != nil {
		return nil, false
	}
	return args, true
}
