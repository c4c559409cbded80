package device

import (
	"context"
	"sync"
	"time"

	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/playback"
)

const nullTick = 20 * time.Millisecond

// NullMicrophone produces silence at real-time pace.
type NullMicrophone struct {
	rate int

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ capture.Microphone = (*NullMicrophone)(nil)

func NewNullMicrophone(rate int) *NullMicrophone {
	return &NullMicrophone{rate: rate}
}

func (m *NullMicrophone) SampleRate() int {
	return m.rate
}

func (m *NullMicrophone) Start(_ context.Context, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	frames := m.rate * int(nullTick) / int(time.Second)
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(nullTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onSamples(make([]float32, frames))
			}
		}
	}(m.stop, m.done)
	return nil
}

func (m *NullMicrophone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil
	return nil
}

// NullSpeaker renders into nothing on a wall clock ticker.
type NullSpeaker struct {
	*mixer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ playback.Output = (*NullSpeaker)(nil)

func NewNullSpeaker(rate int) *NullSpeaker {
	s := &NullSpeaker{
		mixer: newMixer(rate),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *NullSpeaker) run() {
	defer close(s.done)
	ticker := time.NewTicker(nullTick)
	defer ticker.Stop()

	buf := make([]float32, s.rate*int(nullTick)/int(time.Second))
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			fire(s.render(buf))
		}
	}
}

func (s *NullSpeaker) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.mixer.close()
	})
	return nil
}
