// Package input implements the InputInjector (§4.9): rate-limited
// mouse/keyboard synthesis, coordinate mapping, keyboard safety
// filtering, cursor-shape classification, and clipboard round-trip.
// The corpus has no native Go input-injection API, so OS calls are
// plain function values (Backend) supplied by the owner, matching the
// capture/audiocapture packages' "software stand-in behind the exact
// contract" idiom.
package input

import (
	"log/slog"
	"sync"

	"github.com/vishalkuo/bimap"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/protocol"
	"github.com/slipstream-rtc/server/internal/util"
)

const (
	moveRateLimit  = 500
	clickRateLimit = 50
	keyRateLimit   = 100
)

// Windows virtual-key codes used by the blocked-keys filter and the
// default keycode translation table.
const (
	vkLWin    = 0x5B
	vkRWin    = 0x5C
	vkControl = 0x11
	vkMenu    = 0x12 // Alt
	vkShift   = 0x10
	vkDelete  = 0x2E
)

// Backend is the set of OS-level injection/query primitives the
// InputInjector drives. Every method returns a bool success flag per
// the "each operation returns bool" failure semantics.
type Backend struct {
	MoveAbs      func(vx, vy uint16) bool
	MoveRel      func(dx, dy int16) bool
	Button       func(code uint8, down bool) bool
	Wheel        func(dx, dy int16) bool
	Key          func(vk uint16, down bool) bool
	SetClipboard func(text string) bool
	GetClipboard func() (string, bool)
	PollCursor   func() (handle uintptr, ok bool)
}

// InputInjector is the stateful synthesizer for one peer session.
type InputInjector struct {
	logger   *slog.Logger
	monitors *core.MonitorSet
	backend  Backend

	moveLimiter  *windowLimiter
	clickLimiter *windowLimiter
	keyLimiter   *windowLimiter

	mu            sync.Mutex
	monitorIndex  int
	shiftDown     bool
	ctrlDown      bool
	altDown       bool
	lastCursor    protocol.CursorKind
	standardCursors map[uintptr]protocol.CursorKind

	moveDrops  uint64
	clickDrops uint64
	keyDrops   uint64

	keycodes *bimap.BiMap[uint16, uint16]
}

// New constructs an InputInjector bound to monitors for coordinate
// mapping and backend for OS-level synthesis.
func New(monitors *core.MonitorSet, backend Backend) *InputInjector {
	i := &InputInjector{
		logger:          util.GetLogger(),
		monitors:        monitors,
		backend:         backend,
		moveLimiter:     newWindowLimiter(moveRateLimit),
		clickLimiter:    newWindowLimiter(clickRateLimit),
		keyLimiter:      newWindowLimiter(keyRateLimit),
		standardCursors: make(map[uintptr]protocol.CursorKind),
		keycodes:        defaultKeycodeTable(),
	}
	return i
}

// SetMonitorIndex records the active monitor index. Absolute
// coordinate mapping does not read it; see mapAbsolute.
func (i *InputInjector) SetMonitorIndex(index int) {
	i.mu.Lock()
	i.monitorIndex = index
	i.mu.Unlock()
}

// RegisterStandardCursor associates an OS cursor handle with a
// classified kind, used by PollCursorShape.
func (i *InputInjector) RegisterStandardCursor(handle uintptr, kind protocol.CursorKind) {
	i.mu.Lock()
	i.standardCursors[handle] = kind
	i.mu.Unlock()
}

// Drops returns the per-axis dropped-event counters.
func (i *InputInjector) Drops() (moves, clicks, keys uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.moveDrops, i.clickDrops, i.keyDrops
}

// Dispatch applies one decoded input-channel event, enforcing rate
// limits, coordinate mapping, and the keyboard safety filter.
func (i *InputInjector) Dispatch(ev *protocol.InputEvent) bool {
	switch {
	case ev.MoveAbs != nil:
		return i.dispatchMoveAbs(ev.MoveAbs)
	case ev.MoveRel != nil:
		return i.dispatchMoveRel(ev.MoveRel)
	case ev.Button != nil:
		return i.dispatchButton(ev.Button)
	case ev.Wheel != nil:
		return i.dispatchWheel(ev.Wheel)
	case ev.Key != nil:
		return i.dispatchKey(ev.Key)
	}
	return false
}

func (i *InputInjector) dispatchMoveAbs(ev *protocol.MoveAbsEvent) bool {
	if !i.moveLimiter.Allow() {
		i.mu.Lock()
		i.moveDrops++
		i.mu.Unlock()
		return false
	}
	vx, vy := i.mapAbsolute(ev.NX, ev.NY)
	if i.backend.MoveAbs == nil {
		return false
	}
	return i.backend.MoveAbs(vx, vy)
}

func (i *InputInjector) dispatchMoveRel(ev *protocol.MoveRelEvent) bool {
	if !i.moveLimiter.Allow() {
		i.mu.Lock()
		i.moveDrops++
		i.mu.Unlock()
		return false
	}
	if i.backend.MoveRel == nil {
		return false
	}
	return i.backend.MoveRel(ev.DX, ev.DY)
}

func (i *InputInjector) dispatchButton(ev *protocol.ButtonEvent) bool {
	if ev.Code > 4 {
		return false
	}
	if !i.clickLimiter.Allow() {
		i.mu.Lock()
		i.clickDrops++
		i.mu.Unlock()
		return false
	}
	if i.backend.Button == nil {
		return false
	}
	return i.backend.Button(ev.Code, ev.Down)
}

func (i *InputInjector) dispatchWheel(ev *protocol.WheelEvent) bool {
	if !i.moveLimiter.Allow() {
		i.mu.Lock()
		i.moveDrops++
		i.mu.Unlock()
		return false
	}
	if i.backend.Wheel == nil {
		return false
	}
	return i.backend.Wheel(ev.DX, ev.DY)
}

func (i *InputInjector) dispatchKey(ev *protocol.KeyEvent) bool {
	if !i.keyLimiter.Allow() {
		i.mu.Lock()
		i.keyDrops++
		i.mu.Unlock()
		return false
	}

	vk, ok := i.keycodes.Get(ev.Keycode)
	if !ok {
		vk = ev.Keycode
	}

	i.mu.Lock()
	switch vk {
	case vkShift:
		i.shiftDown = ev.Down
	case vkControl:
		i.ctrlDown = ev.Down
	case vkMenu:
		i.altDown = ev.Down
	}
	blocked := isBlockedKey(vk, i.ctrlDown, i.altDown)
	i.mu.Unlock()

	if blocked {
		i.logger.Debug("input: blocked key suppressed", "vk", vk)
		return false
	}

	if i.backend.Key == nil {
		return false
	}
	return i.backend.Key(vk, ev.Down)
}

// isBlockedKey suppresses Windows keys and Ctrl+Alt+Delete.
func isBlockedKey(vk uint16, ctrl, alt bool) bool {
	if vk == vkLWin || vk == vkRWin {
		return true
	}
	if vk == vkDelete && ctrl && alt {
		return true
	}
	return false
}

// mapAbsolute maps normalized [0,1] coordinates to virtual-screen
// absolute units (0..65535) by scaling alone. It does not consult the
// current monitor or its rectangle: every monitor index yields the same
// result, and core.Monitor carries no virtual-desktop offset.
func (i *InputInjector) mapAbsolute(nx, ny float32) (uint16, uint16) {
	nx = clamp01(nx)
	ny = clamp01(ny)
	return uint16(nx * 65535), uint16(ny * 65535)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PollCursorShape queries the backend's current cursor handle and
// reports a classification only when it differs from the last
// reported kind.
func (i *InputInjector) PollCursorShape() (protocol.CursorKind, bool) {
	if i.backend.PollCursor == nil {
		return 0, false
	}
	handle, ok := i.backend.PollCursor()
	if !ok {
		return 0, false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	kind, known := i.standardCursors[handle]
	if !known {
		if handle == 0 {
			kind = protocol.CursorDefault
		} else {
			kind = protocol.CursorCustom
		}
	}
	if kind == i.lastCursor {
		return kind, false
	}
	i.lastCursor = kind
	return kind, true
}

// SetClipboard writes text to the host clipboard (≤1MiB enforced by
// the protocol decoder upstream).
func (i *InputInjector) SetClipboard(text []byte) bool {
	if i.backend.SetClipboard == nil {
		return false
	}
	return i.backend.SetClipboard(string(text))
}

// GetClipboard reads the host clipboard.
func (i *InputInjector) GetClipboard() ([]byte, bool) {
	if i.backend.GetClipboard == nil {
		return nil, false
	}
	text, ok := i.backend.GetClipboard()
	if !ok {
		return nil, false
	}
	return []byte(text), true
}

// defaultKeycodeTable maps the common JavaScript keyCode space to
// Windows virtual-key codes. Letters, digits, and function keys share
// numeric values between the two spaces; the remaining entries are
// the ones that diverge.
func defaultKeycodeTable() *bimap.BiMap[uint16, uint16] {
	m := bimap.NewBiMap[uint16, uint16]()
	for vk := uint16('A'); vk <= uint16('Z'); vk++ {
		m.Insert(vk, vk)
	}
	for vk := uint16('0'); vk <= uint16('9'); vk++ {
		m.Insert(vk, vk)
	}
	for i := uint16(0); i < 12; i++ {
		vk := uint16(0x70 + i) // VK_F1..VK_F12
		m.Insert(112+i, vk)
	}
	special := map[uint16]uint16{
		8:  0x08, // Backspace
		9:  0x09, // Tab
		13: 0x0D, // Enter
		16: vkShift,
		17: vkControl,
		18: vkMenu,
		19: 0x13, // Pause
		20: 0x14, // CapsLock
		27: 0x1B, // Escape
		32: 0x20, // Space
		33: 0x21, // PageUp
		34: 0x22, // PageDown
		35: 0x23, // End
		36: 0x24, // Home
		37: 0x25, // Left
		38: 0x26, // Up
		39: 0x27, // Right
		40: 0x28, // Down
		45: 0x2D, // Insert
		46: vkDelete,
		91: vkLWin,
		92: vkRWin,
	}
	for js, vk := range special {
		m.Insert(js, vk)
	}
	return m
}
