package messages

import "encoding/json"

// Client message types
const (
	TypeControl = "control"
)

// Control actions
const (
	ActionOpen     = "open"
	ActionClose    = "close"
	ActionPing     = "ping"
	ActionEndAudio = "end_audio"
)

// ClientMessage represents a message from a UI or relay client
type ClientMessage struct {
	Type    string          `json:"type"` // "audio", "control"
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains audio data from client
type AudioPayload struct {
	Data     string `json:"data"`               // Base64-encoded PCM audio
	MimeType string `json:"mimeType,omitempty"` // "audio/pcm;rate=16000"
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "open", "close", "ping", "end_audio"
}

// NewAudioClientMessage wraps one outbound frame
func NewAudioClientMessage(data, mimeType string) (*ClientMessage, error) {
	return newClientMessage(TypeAudio, AudioPayload{Data: data, MimeType: mimeType})
}

// NewControlMessage wraps a control action
func NewControlMessage(action string) (*ClientMessage, error) {
	return newClientMessage(TypeControl, ControlPayload{Action: action})
}

func newClientMessage(msgType string, payload any) (*ClientMessage, error) {
	raw, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	return &ClientMessage{Type: msgType, Payload: raw}, nil
}
