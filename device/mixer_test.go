package device

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCallbacks(fs []func()) {
	for _, f := range fs {
		f()
	}
}

func TestMixer_RendersAtScheduledFrame(t *testing.T) {
	m := newMixer(1000)
	var ended atomic.Int32

	_, err := m.Play([]float32{1, 1, 1}, 2*time.Millisecond, func() { ended.Add(1) })
	require.NoError(t, err)

	out := make([]float32, 4)
	runCallbacks(m.render(out))
	assert.Equal(t, []float32{0, 0, 1, 1}, out)
	assert.Equal(t, int32(0), ended.Load())
	assert.Equal(t, 4*time.Millisecond, m.Now())

	runCallbacks(m.render(out))
	assert.Equal(t, []float32{1, 0, 0, 0}, out)
	assert.Equal(t, int32(1), ended.Load())
}

func TestMixer_BackToBackVoicesAreGapless(t *testing.T) {
	m := newMixer(1000)
	_, _ = m.Play([]float32{0.1, 0.2}, 0, nil)
	_, _ = m.Play([]float32{0.3, 0.4}, 2*time.Millisecond, nil)

	out := make([]float32, 5)
	m.render(out)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4, 0}, out)
}

func TestMixer_LateVoiceIsTrimmedToSchedule(t *testing.T) {
	m := newMixer(1000)
	m.render(make([]float32, 10))

	samples := make([]float32, 12)
	samples[10], samples[11] = 0.5, 0.25
	var ended atomic.Int32
	_, _ = m.Play(samples, 0, func() { ended.Add(1) })

	out := make([]float32, 3)
	runCallbacks(m.render(out))
	assert.Equal(t, []float32{0.5, 0.25, 0}, out)
	assert.Equal(t, int32(1), ended.Load())
}

func TestMixer_FullyLateVoiceEndsOnNextRender(t *testing.T) {
	m := newMixer(1000)
	m.render(make([]float32, 10))

	var ended atomic.Int32
	_, _ = m.Play([]float32{0.5}, 0, func() { ended.Add(1) })

	out := make([]float32, 2)
	runCallbacks(m.render(out))
	assert.Equal(t, []float32{0, 0}, out)
	assert.Equal(t, int32(1), ended.Load())
}

// A render can slip in between reading the device clock and queueing a
// voice. The late voice must still end where it was scheduled so the
// next back-to-back voice does not overlap it.
func TestMixer_RenderBetweenNowAndPlayDoesNotOverlap(t *testing.T) {
	m := newMixer(24000)
	now := m.Now()
	m.render(make([]float32, 240))

	a := make([]float32, 2400)
	b := make([]float32, 2400)
	for i := range a {
		a[i], b[i] = 1, 1
	}
	_, err := m.Play(a, now, nil)
	require.NoError(t, err)
	_, err = m.Play(b, now+100*time.Millisecond, nil)
	require.NoError(t, err)

	out := make([]float32, 4800)
	m.render(out)
	for i, v := range out {
		require.LessOrEqualf(t, v, float32(1), "frame %d mixes two voices", i)
	}
	assert.Equal(t, float32(1), out[0])
	assert.Equal(t, float32(1), out[2400-240-1])
	assert.Equal(t, float32(1), out[2400-240])
	assert.Equal(t, float32(0), out[4800-240])
}

func TestMixer_StoppedVoiceIsSilentAndNeverEnds(t *testing.T) {
	m := newMixer(1000)
	var ended atomic.Int32
	v, _ := m.Play([]float32{1, 1}, 0, func() { ended.Add(1) })
	v.Stop()

	out := make([]float32, 4)
	runCallbacks(m.render(out))
	assert.Equal(t, []float32{0, 0, 0, 0}, out)
	assert.Equal(t, int32(0), ended.Load())
}

func TestMixer_ClosedRejectsPlay(t *testing.T) {
	m := newMixer(1000)
	m.close()
	_, err := m.Play([]float32{1}, 0, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestF32Codec(t *testing.T) {
	in := []float32{0, 1, -1, 0.25}
	buf := make([]byte, len(in)*bytesPerFloat)
	encodeF32(buf, in)
	assert.Equal(t, in, decodeF32(buf, len(in)))
}

func TestNullSpeaker_FiresOnEnded(t *testing.T) {
	s := NewNullSpeaker(24000)
	defer s.Close()

	done := make(chan struct{})
	_, err := s.Play(make([]float32, 480), s.Now(), func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("voice never finished")
	}
	assert.GreaterOrEqual(t, s.Now(), 20*time.Millisecond)
	require.NoError(t, s.Close())
}

func TestNullMicrophone_DeliversSilenceUntilStopped(t *testing.T) {
	m := NewNullMicrophone(16000)
	got := make(chan int, 16)
	require.NoError(t, m.Start(context.Background(), func(s []float32) {
		select {
		case got <- len(s):
		default:
		}
	}))

	select {
	case n := <-got:
		assert.Equal(t, 320, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no samples delivered")
	}
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
