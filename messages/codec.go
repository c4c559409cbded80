// Package messages defines the JSON wire format shared by the status
// server, the relay endpoint and their clients.
package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode marshals a message
func Encode(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a message
func Decode(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// DecodePayload unmarshals the payload of an envelope into v
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("failed to decode %s payload: empty", e.Type)
	}
	return Decode(e.Payload, v)
}

// DecodePayload unmarshals the payload of a client message into v
func (m *ClientMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("failed to decode %s payload: empty", m.Type)
	}
	return Decode(m.Payload, v)
}
