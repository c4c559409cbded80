package live

import "sync"

// Emitter is the producer side of Channel.Events. A single receive loop
// owns it: Emit while running, then Finish exactly once on exit.
type Emitter struct {
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit blocks until the event is queued or Stop is called. It reports
// whether the event was queued.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Finish delivers an optional ChannelError followed by ChannelClosed and
// closes the events channel.
func (e *Emitter) Finish(errMsg string) {
	if errMsg != "" {
		e.Emit(ChannelError{Message: errMsg})
	}
	e.Emit(ChannelClosed{})
	close(e.ch)
}

// Stop unblocks a pending Emit; later events are discarded.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Stopped reports whether Stop has been called.
func (e *Emitter) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
