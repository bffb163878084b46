package input

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowLimiterAllowsUpToMaxPerWindow(t *testing.T) {
	w := newWindowLimiter(3)
	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.False(t, w.Allow())
}

func TestWindowLimiterResetsOnNextWindow(t *testing.T) {
	w := newWindowLimiter(2)
	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.False(t, w.Allow())

	w.mu.Lock()
	w.windowStart = time.Now().Add(-2 * time.Second)
	w.mu.Unlock()

	require.True(t, w.Allow())
	require.True(t, w.Allow())
	require.False(t, w.Allow())
}
