// Package device implements capture.Microphone and playback.Output on
// top of miniaudio, plus a null backend for hosts without audio hardware.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

var ErrClosed = errors.New("device: closed")

// Context owns the miniaudio context shared by every device of the
// process.
type Context struct {
	// audioContext is only kept so it can be uninitialized
	audioContext *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

func NewContext() (*Context, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Context{audioContext: audioCtx}, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.audioContext.Uninit()
	c.audioContext.Free()
	return err
}

func (c *Context) deviceConfig(kind malgo.DeviceType, rate int) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(rate)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = 1
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = 1
	}
	return cfg
}

const bytesPerFloat = 4

func decodeF32(b []byte, frames int) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerFloat:]))
	}
	return out
}

func encodeF32(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*bytesPerFloat:], math.Float32bits(s))
	}
}
