package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/room4-2/voicelive/playback"
)

// Speaker is a mono float32 playback device whose clock advances with
// every rendered frame.
type Speaker struct {
	*mixer

	mu      sync.Mutex
	device  *malgo.Device
	scratch []float32
}

var _ playback.Output = (*Speaker)(nil)

func NewSpeaker(audio *Context, rate int) (*Speaker, error) {
	s := &Speaker{mixer: newMixer(rate)}

	device, err := malgo.InitDevice(audio.audioContext.Context, audio.deviceConfig(malgo.Playback, rate), malgo.DeviceCallbacks{
		Data: s.processAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	s.device = device
	logger.Info("playback device started", "sample_rate", rate)
	return s, nil
}

func (s *Speaker) processAudio(pOutput, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if n == 0 || len(pOutput) < n*bytesPerFloat {
		return
	}
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	fire(s.render(buf))
	encodeF32(pOutput, buf)
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mixer.close()
	if s.device == nil {
		return nil
	}

	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	if err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	return nil
}
