package audiocapture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamingToggleGatesSend(t *testing.T) {
	var mu sync.Mutex
	var sent int

	read := func() ([]int16, error) {
		return make([]int16, 2*480), nil // 10ms @ 48kHz stereo, no resample needed
	}
	send := func(ts int64, samples uint16, opus []byte) {
		mu.Lock()
		sent++
		mu.Unlock()
	}

	a, err := New(48000, 2, read, send)
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 0, sent)
	mu.Unlock()

	a.SetStreaming(true)
	require.True(t, a.IsStreaming())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sent > 0
	}, time.Second, 5*time.Millisecond)
}

func TestLoopbackFailureBacksOffWithoutPanicking(t *testing.T) {
	var calls atomic.Int32
	read := func() ([]int16, error) {
		calls.Add(1)
		return nil, errors.New("simulated OS failure")
	}
	a, err := New(48000, 2, read, nil)
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	require.Eventually(t, func() bool { return calls.Load() > 12 }, 2*time.Second, 5*time.Millisecond)
}
