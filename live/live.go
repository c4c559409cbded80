// Package live defines the duplex channel between a voice session and a
// remote conversational model.
package live

import (
	"context"
	"errors"
)

// ErrOpen is returned by Dialer.Open when the remote channel cannot be
// established.
var ErrOpen = errors.New("live: channel open failed")

// ErrClosed is returned by Send after the channel is closed.
var ErrClosed = errors.New("live: channel closed")

const (
	DefaultModel     = "gemini-2.5-flash-native-audio-preview-09-2025"
	ModalityAudio    = "AUDIO"
	DefaultVoiceName = "Zephyr"
)

// Config selects the remote model and the streams it should produce.
type Config struct {
	Model               string
	ResponseModality    string
	InputTranscription  bool
	OutputTranscription bool
	SystemPrompt        string
	Voice               string
}

// DefaultConfig requests spoken replies with both transcription streams.
func DefaultConfig() Config {
	return Config{
		Model:               DefaultModel,
		ResponseModality:    ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
		Voice:               DefaultVoiceName,
	}
}

// EncodedChunk is one outbound audio frame.
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// Dialer opens channels. Open returns once the remote side reports the
// channel as open.
type Dialer interface {
	Open(ctx context.Context, cfg Config) (Channel, error)
}

// Channel is an open duplex stream. Events is closed after ChannelClosed
// has been delivered. Close is idempotent.
type Channel interface {
	Send(ctx context.Context, chunk EncodedChunk) error
	Events() <-chan Event
	Close() error
}
