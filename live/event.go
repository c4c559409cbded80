package live

// Event is an inbound message from the remote model.
type Event interface {
	isEvent()
}

type InputTranscriptDelta struct {
	Text string
}

type OutputTranscriptDelta struct {
	Text string
}

// AudioDelta carries model speech as base64 transport text of 24 kHz PCM16.
type AudioDelta struct {
	Data string
}

// TextDelta is model text sent alongside speech. It is not part of the
// spoken transcript.
type TextDelta struct {
	Text string
}

type TurnComplete struct{}

// ChannelError reports a runtime failure of an open channel.
type ChannelError struct {
	Message string
}

// ChannelClosed is the last event delivered on a channel.
type ChannelClosed struct{}

func (InputTranscriptDelta) isEvent()  {}
func (OutputTranscriptDelta) isEvent() {}
func (AudioDelta) isEvent()            {}
func (TextDelta) isEvent()             {}
func (TurnComplete) isEvent()          {}
func (ChannelError) isEvent()          {}
func (ChannelClosed) isEvent()         {}
