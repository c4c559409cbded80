package session

import "time"

// State is the lifecycle position of a Session
type State int

const (
	Idle State = iota
	Initializing
	Listening
	Speaking
	Error
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// active states accept transcript and audio events
func (s State) active() bool {
	return s == Listening || s == Speaking
}

// Snapshot is the state a UI renders
type Snapshot struct {
	ID              string
	State           State
	UserTranscript  string
	ModelTranscript string
	LastError       string
	CreatedAt       time.Time
	LastActivity    time.Time
}
