package input

import (
	"sync"
	"time"
)

// windowLimiter is a hard fixed-window counter: count resets to zero
// every time a full second has elapsed since the window started, and
// Allow rejects once the count within the current window reaches max.
// This is a direct translation of the original implementation's
// ResetWin/ChkLim (input.cpp): a std::atomic<int> counter compared
// against max and zeroed on a 1s boundary, not a token bucket — a
// bucket sized burst==rate can admit up to ~2x max within a rolling
// window by draining, refilling, and draining again, which would
// violate the "moves/clicks/keys per second" cap this is meant to
// enforce.
type windowLimiter struct {
	max int

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func newWindowLimiter(max int) *windowLimiter {
	return &windowLimiter{max: max, windowStart: time.Now()}
}

// Allow reports whether one more event fits in the current window.
func (w *windowLimiter) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.windowStart) >= time.Second {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	return w.count <= w.max
}
