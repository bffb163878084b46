package frameslot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
)

func textured(slot int) *core.Frame {
	return &core.Frame{Texture: &core.Texture{SlotIndex: slot}, SlotIndex: slot}
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	s := New()
	for i := 0; i < Capacity+2; i++ {
		s.Push(textured(i % 32))
	}
	require.False(t, s.IsInFlight(0))
	require.True(t, s.IsInFlight((Capacity+1)%32))
}

func TestPopBlocksUntilPush(t *testing.T) {
	s := New()
	done := make(chan *core.Frame, 1)
	go func() { done <- s.Pop() }()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	s.Push(textured(3))
	select {
	case f := <-done:
		require.NotNil(t, f)
		require.Equal(t, 3, f.SlotIndex)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestNullTextureIsSilentlyDropped(t *testing.T) {
	s := New()
	s.Push(&core.Frame{Texture: nil})
	require.False(t, s.IsInFlight(0))
}

func TestResetClearsQueueAndBitmask(t *testing.T) {
	s := New()
	s.Push(textured(1))
	s.Push(textured(2))
	s.Reset()
	require.False(t, s.IsInFlight(1))
	require.False(t, s.IsInFlight(2))
}

func TestWakeUnblocksPopWithoutFrame(t *testing.T) {
	s := New()
	done := make(chan *core.Frame, 1)
	go func() { done <- s.Pop() }()
	time.Sleep(10 * time.Millisecond)
	s.Wake()
	select {
	case f := <-done:
		require.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Pop")
	}
}

func TestMarkReleasedClearsBit(t *testing.T) {
	s := New()
	s.Push(textured(5))
	f := s.Pop()
	require.True(t, s.IsInFlight(5))
	s.MarkReleased(f.SlotIndex)
	require.False(t, s.IsInFlight(5))
}
