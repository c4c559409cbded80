package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/room4-2/voicelive/capture"
)

// Microphone is a mono float32 capture device.
type Microphone struct {
	audio *Context
	rate  int

	mu     sync.Mutex
	device *malgo.Device
}

var _ capture.Microphone = (*Microphone)(nil)

func NewMicrophone(audio *Context, rate int) *Microphone {
	return &Microphone{audio: audio, rate: rate}
}

func (m *Microphone) SampleRate() int {
	return m.rate
}

// Start opens the default capture device. Failures to open or start it
// are reported as capture.ErrPermission.
func (m *Microphone) Start(_ context.Context, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	m.audio.mu.Lock()
	closed := m.audio.closed
	m.audio.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", capture.ErrPermission, ErrClosed)
	}

	device, err := malgo.InitDevice(m.audio.audioContext.Context, m.audio.deviceConfig(malgo.Capture, m.rate), malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount)
			if n == 0 || len(pInput) < n*bytesPerFloat {
				return
			}
			onSamples(decodeF32(pInput, n))
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to initialize capture device: %w", capture.ErrPermission, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("%w: failed to start capture device: %w", capture.ErrPermission, err)
	}

	m.device = device
	logger.Info("capture device started", "sample_rate", m.rate)
	return nil
}

func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}

	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}
