// Package gpusync wraps optional device-fence synchronization between
// capture and encode. The retrieval pack carries no Go binding for a
// GPU fence primitive (DX11/Vulkan/Metal), so this is implemented on
// sync/atomic with a channel-based wait, behind the same two-path
// contract the original design calls for: a fenced path and a
// flush-based fallback that treats every signal as immediately
// complete. Callers cannot tell the two apart.
package gpusync

import (
	"sync"
	"sync/atomic"
	"time"
)

// GpuSync is a monotonic fence counter with a completed-watermark and
// per-waiter notification.
type GpuSync struct {
	fenced    bool
	counter   uint64 // atomic, last value signaled
	completed uint64 // atomic, last value known complete

	mu      sync.Mutex
	waiters []chan struct{}
}

// New probes for fence support. probeFenced reports whether the
// runtime exposes a modern fence interface; when false, GpuSync
// downgrades to the flush-based path.
func New(probeFenced bool) *GpuSync {
	return &GpuSync{fenced: probeFenced}
}

// Signal increments the fence and reports whether the caller must
// actually wait on it. On the flushed path, every signal is reported
// as already complete.
func (g *GpuSync) Signal() (value uint64, needsSync bool) {
	if !g.fenced {
		return 0, true
	}
	v := atomic.AddUint64(&g.counter, 1)
	// Simulate the device completing the signaled work; a real binding
	// would have the GPU driver call back into complete.
	g.complete(v)
	return v, true
}

// Wait blocks until value is complete or timeout elapses, returning
// whether it completed in time.
func (g *GpuSync) Wait(value uint64, timeout time.Duration) bool {
	if !g.fenced {
		return true
	}
	if g.Complete(value) {
		return true
	}
	ch := g.registerWaiter()
	defer g.unregisterWaiter(ch)

	select {
	case <-ch:
		return g.Complete(value)
	case <-time.After(timeout):
		return g.Complete(value)
	}
}

// Complete is a non-blocking check of whether value has been signaled
// complete.
func (g *GpuSync) Complete(value uint64) bool {
	if !g.fenced {
		return true
	}
	return atomic.LoadUint64(&g.completed) >= value
}

func (g *GpuSync) complete(value uint64) {
	atomic.StoreUint64(&g.completed, value)
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (g *GpuSync) registerWaiter() chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()
	return ch
}

func (g *GpuSync) unregisterWaiter(ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
