package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodePing builds an Engine.IO ping frame.
func EncodePing() []byte {
	return []byte{enginePing}
}

// EncodePong builds an Engine.IO pong frame.
func EncodePong() []byte {
	return []byte{enginePong}
}

// EncodeConnect builds a Socket.IO namespace connect frame.
func EncodeConnect(namespace string) []byte {
	b := []byte{engineMessage, socketConnect}
	if namespace != "" && namespace != "/" {
		b = append(b, namespace...)
		b = append(b, ',')
	}
	return b
}

// EncodeEvent builds a Socket.IO event frame carrying [name, data].
// A nil ackID omits the ack id.
func EncodeEvent(namespace, name string, ackID *int64, data any) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("encode event: empty name")
	}
	arr := []any{name}
	if data != nil {
		arr = append(arr, data)
	}
	body, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", name, err)
	}

	b := []byte{engineMessage, socketEvent}
	if namespace != "" && namespace != "/" {
		b = append(b, namespace...)
		b = append(b, ',')
	}
	if ackID != nil {
		b = strconv.AppendInt(b, *ackID, 10)
	}
	return append(b, body...), nil
}
