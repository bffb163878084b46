package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/frameslot"
)

func newTestMonitors() *core.MonitorSet {
	ms := core.NewMonitorSet()
	ms.Refresh([]core.Monitor{
		{Index: 0, Width: 1920, Height: 1080, RefreshHz: 60, Primary: true, FriendlyName: "Display 1"},
		{Index: 1, Width: 2560, Height: 1440, RefreshHz: 60, FriendlyName: "Display 2"},
	})
	return ms
}

func TestStartProducesFrames(t *testing.T) {
	ms := newTestMonitors()
	slot := frameslot.New()
	c := New(ms, slot, nil)
	c.SetFPS(200)
	require.NoError(t, c.Start())
	defer c.Stop()

	f := slot.Pop()
	require.NotNil(t, f)
	require.NotNil(t, f.Texture)
}

func TestSwitchMonitorBumpsGenerationAndFiresCallback(t *testing.T) {
	ms := newTestMonitors()
	slot := frameslot.New()

	var gotW, gotH, gotFPS int
	done := make(chan struct{}, 1)
	c := New(ms, slot, func(w, h, fps int) {
		gotW, gotH, gotFPS = w, h, fps
		done <- struct{}{}
	})
	c.SetFPS(200)
	require.NoError(t, c.Start())
	defer c.Stop()

	before := c.Generation()
	require.True(t, c.SwitchMonitor(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resolution change callback never fired")
	}

	require.Equal(t, 2560, gotW)
	require.Equal(t, 1440, gotH)
	require.Equal(t, 200, gotFPS)
	require.Greater(t, c.Generation(), before)
}

func TestSwitchMonitorInvalidIndex(t *testing.T) {
	ms := newTestMonitors()
	slot := frameslot.New()
	c := New(ms, slot, nil)
	require.False(t, c.SwitchMonitor(99))
}
