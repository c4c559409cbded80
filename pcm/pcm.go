// Package pcm converts between float samples, 16-bit little-endian PCM and
// the base64 transport text used on the wire.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Fixed stream rates.
const (
	InputSampleRate  = 16000 // microphone -> model
	OutputSampleRate = 24000 // model -> speaker
	BytesPerSample   = 2
)

// ErrDecode is returned when inbound transport text is malformed.
var ErrDecode = errors.New("pcm: malformed transport payload")

const scale = 32768

// MIMEType describes mono 16-bit PCM at the given rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// EncodeFloat32 scales samples in [-1, 1] to signed 16-bit little-endian PCM.
// Out of range samples are clamped instead of wrapping.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := math.Round(float64(s) * scale)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v)))
	}
	return out
}

// DecodeFloat32 de-interleaves PCM16 into one float buffer per channel.
// A trailing partial frame is ignored.
func DecodeFloat32(data []byte, channels int) [][]float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(data) / BytesPerSample / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * BytesPerSample
			out[ch][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / scale
		}
	}
	return out
}

// DecodeMono is DecodeFloat32 for single channel payloads.
func DecodeMono(data []byte) []float32 {
	return DecodeFloat32(data, 1)[0]
}

// EncodeTransport returns the standard padded base64 form of data.
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTransport reverses EncodeTransport. Errors wrap ErrDecode.
func DecodeTransport(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.Strict().DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return data, nil
}

// Duration is the play time of frames samples at rate.
func Duration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
