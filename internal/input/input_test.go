package input

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/protocol"
)

func TestMoveAbsMapsToVirtualScreenRange(t *testing.T) {
	var gotVX, gotVY uint16
	var called bool
	backend := Backend{MoveAbs: func(vx, vy uint16) bool {
		gotVX, gotVY = vx, vy
		called = true
		return true
	}}
	inj := New(nil, backend)

	require.True(t, inj.Dispatch(&protocol.InputEvent{MoveAbs: &protocol.MoveAbsEvent{NX: 0.5, NY: 1.0}}))
	require.True(t, called)
	require.InDelta(t, 32767, int(gotVX), 2)
	require.Equal(t, uint16(65535), gotVY)
}

func TestMoveRateLimitDropsExcess(t *testing.T) {
	calls := 0
	backend := Backend{MoveRel: func(dx, dy int16) bool {
		calls++
		return true
	}}
	inj := New(nil, backend)

	for i := 0; i < moveRateLimit+50; i++ {
		inj.Dispatch(&protocol.InputEvent{MoveRel: &protocol.MoveRelEvent{DX: 1, DY: 1}})
	}
	moves, _, _ := inj.Drops()
	require.Equal(t, calls, moveRateLimit)
	require.Equal(t, uint64(50), moves)
}

func TestBlockedKeysSuppressed(t *testing.T) {
	var sent []uint16
	backend := Backend{Key: func(vk uint16, down bool) bool {
		sent = append(sent, vk)
		return true
	}}
	inj := New(nil, backend)

	// Ctrl down, Alt down, then Delete: the combo should be blocked.
	inj.Dispatch(&protocol.InputEvent{Key: &protocol.KeyEvent{Keycode: 17, Down: true}})
	inj.Dispatch(&protocol.InputEvent{Key: &protocol.KeyEvent{Keycode: 18, Down: true}})
	ok := inj.Dispatch(&protocol.InputEvent{Key: &protocol.KeyEvent{Keycode: 46, Down: true}})
	require.False(t, ok)

	// Win key is always blocked.
	ok = inj.Dispatch(&protocol.InputEvent{Key: &protocol.KeyEvent{Keycode: 91, Down: true}})
	require.False(t, ok)

	require.NotContains(t, sent, uint16(vkDelete))
	require.NotContains(t, sent, uint16(vkLWin))
}

func TestCursorShapeReportsOnlyOnChange(t *testing.T) {
	handle := uintptr(42)
	backend := Backend{PollCursor: func() (uintptr, bool) { return handle, true }}
	inj := New(nil, backend)
	inj.RegisterStandardCursor(handle, protocol.CursorPointer)

	kind, changed := inj.PollCursorShape()
	require.True(t, changed)
	require.Equal(t, protocol.CursorPointer, kind)

	_, changed = inj.PollCursorShape()
	require.False(t, changed)
}

func TestClipboardRoundTrip(t *testing.T) {
	var stored string
	backend := Backend{
		SetClipboard: func(text string) bool { stored = text; return true },
		GetClipboard: func() (string, bool) { return stored, true },
	}
	inj := New(nil, backend)

	require.True(t, inj.SetClipboard([]byte("hello")))
	got, ok := inj.GetClipboard()
	require.True(t, ok)
	require.Equal(t, "hello", string(got))
}
