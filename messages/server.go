package messages

import (
	"encoding/json"

	"github.com/room4-2/voicelive/pcm"
)

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeChannelError     = "CHANNEL_ERROR"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
	ErrCodeDecodeFailed     = "DECODE_FAILED"
)

// Message types
const (
	TypeAudio      = "audio"
	TypeText       = "text"
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeState      = "state"
	TypeError      = "error"
)

// Status values
const (
	StatusConnected    = "connected"
	StatusTurnComplete = "turn_complete"
	StatusPong         = "pong"
	StatusDisconnected = "disconnected"
)

// Transcript roles
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ServerMessage represents a message sent to a client
type ServerMessage struct {
	Type      string `json:"type"` // "audio", "text", "transcript", "status", "state", "error"
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// Envelope is a ServerMessage as seen by a client, payload not yet decoded
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// AudioResponsePayload contains audio data for client
type AudioResponsePayload struct {
	Data     string `json:"data"`     // Base64-encoded PCM audio
	MimeType string `json:"mimeType"` // "audio/pcm;rate=24000"
}

// TextResponsePayload contains text response
type TextResponsePayload struct {
	Text string `json:"text"`
}

// TranscriptPayload contains one transcript delta
type TranscriptPayload struct {
	Role string `json:"role"` // "user", "model"
	Text string `json:"text"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // "connected", "turn_complete", "pong", "disconnected"
	Message string `json:"message,omitempty"`
}

// StatePayload mirrors the observable session state
type StatePayload struct {
	State           string `json:"state"`
	UserTranscript  string `json:"userTranscript"`
	ModelTranscript string `json:"modelTranscript"`
	LastError       string `json:"lastError,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID, data string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioResponsePayload{
			Data:     data,
			MimeType: pcm.MIMEType(pcm.OutputSampleRate),
		},
	}
}

// NewTextMessage creates a text response message
func NewTextMessage(sessionID, text string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeText,
		SessionID: sessionID,
		Payload:   TextResponsePayload{Text: text},
	}
}

// NewTranscriptMessage creates a transcript delta message
func NewTranscriptMessage(sessionID, role, text string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscript,
		SessionID: sessionID,
		Payload:   TranscriptPayload{Role: role, Text: text},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewStateMessage creates a session state snapshot message
func NewStateMessage(sessionID string, state StatePayload) *ServerMessage {
	return &ServerMessage{
		Type:      TypeState,
		SessionID: sessionID,
		Payload:   state,
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
