package gpusync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlushedPathAlwaysComplete(t *testing.T) {
	g := New(false)
	v, needsSync := g.Signal()
	require.True(t, needsSync)
	require.Equal(t, uint64(0), v)
	require.True(t, g.Complete(123))
	require.True(t, g.Wait(123, time.Millisecond))
}

func TestFencedPathSignalThenWait(t *testing.T) {
	g := New(true)
	v, needsSync := g.Signal()
	require.True(t, needsSync)
	require.True(t, g.Wait(v, 10*time.Millisecond))
}

func TestFencedPathWaitTimesOutOnUnsignaledValue(t *testing.T) {
	g := New(true)
	require.False(t, g.Wait(999, 5*time.Millisecond))
}
