// Package scheduler implements the pipeline scheduler: the single
// pacing loop that drives the encoder from FrameSlot with drop,
// coalesce, and keyframe rules (§4.5).
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/slipstream-rtc/server/internal/core"
	"github.com/slipstream-rtc/server/internal/frameslot"
	"github.com/slipstream-rtc/server/internal/util"
)

const fenceWait = 16 * time.Millisecond

// EncoderPort is the subset of the Encoder contract the scheduler
// drives.
type EncoderPort interface {
	Encode(texture *core.Texture, timestampNS int64, forceKey bool) (*core.EncodedFrame, bool)
	Flush()
	IsEncodeComplete() bool
}

// FenceWaiter lets the scheduler wait on a frame's capture fence
// before handing it to the encoder.
type FenceWaiter interface {
	Wait(value uint64, timeout time.Duration) bool
}

// TransportPort is the subset of Transport the scheduler drives.
type TransportPort interface {
	IsStreaming() bool
	TakeNeedsKey() bool
	Send(frameID uint32, frame *core.EncodedFrame)
}

// Scheduler runs the capture -> encode -> send pacing loop.
type Scheduler struct {
	logger *slog.Logger

	slot      *frameslot.FrameSlot
	fence     FenceWaiter
	encoder   EncoderPort
	transport TransportPort

	mu           sync.Mutex
	fps          int
	periodTicks  int64
	nextTS       int64
	lastGen      uint64
	heldFrame    *core.Frame
	wasStreaming bool
	encoderReady bool
	frameID      uint32

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler. fps seeds the pacing period; callers
// typically update it via SetFPS before Run.
func New(slot *frameslot.FrameSlot, fence FenceWaiter, encoder EncoderPort, transport TransportPort, fps int) *Scheduler {
	if fps <= 0 {
		fps = 60
	}
	return &Scheduler{
		logger:      util.GetLogger(),
		slot:        slot,
		fence:       fence,
		encoder:     encoder,
		transport:   transport,
		fps:         fps,
		periodTicks: periodTicksForFPS(fps),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// periodTicksForFPS converts a target frame rate into a pacing period
// expressed in 100ns ticks, the same unit as core.Timestamp100ns and
// every frame.TimestampNS this scheduler paces against.
func periodTicksForFPS(fps int) int64 {
	return int64(time.Second/time.Duration(fps)) / 100
}

// SetFPS updates the pacing period; the next frame reanchors next_ts.
func (s *Scheduler) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps = fps
	s.periodTicks = periodTicksForFPS(fps)
	s.nextTS = 0
}

// SetEncoderReady toggles whether the encoder backend is ready to
// accept frames (e.g. after a monitor switch while a new encoder is
// being constructed).
func (s *Scheduler) SetEncoderReady(ready bool) {
	s.mu.Lock()
	s.encoderReady = ready
	s.mu.Unlock()
}

// Run executes the scheduler loop until Stop is called. Intended to
// run on its own goroutine.
func (s *Scheduler) Run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		frame := s.slot.Pop()
		select {
		case <-s.stop:
			return
		default:
		}
		if frame == nil {
			continue
		}
		s.step(frame)
	}
}

// Stop signals the loop to exit and wakes a blocked Pop.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.slot.Wake()
	<-s.done
}

func (s *Scheduler) step(frame *core.Frame) {
	s.mu.Lock()

	currentGen := s.slot.Generation()
	if currentGen != s.lastGen {
		s.releaseHeldLocked()
		s.nextTS = 0
		s.lastGen = currentGen
	}

	if frame.Generation != currentGen {
		s.mu.Unlock()
		s.releaseFrame(frame)
		return
	}

	isStreaming := s.transport.IsStreaming() && s.encoderReady
	if isStreaming && !s.wasStreaming {
		s.encoder.Flush()
		s.heldFrame = nil
		s.nextTS = 0
	}
	s.wasStreaming = isStreaming

	if !isStreaming || frame.Texture == nil {
		s.mu.Unlock()
		s.releaseFrame(frame)
		return
	}

	if s.transport.TakeNeedsKey() {
		s.heldFrame = nil
		period := s.periodTicks
		s.mu.Unlock()
		s.encodeAndSend(frame, true, period)
		return
	}

	period := s.periodTicks
	nextTS := s.nextTS
	if frame.TimestampNS-nextTS < -int64(1.5*float64(period)) {
		s.mu.Unlock()
		s.releaseFrame(frame)
		return
	}

	held := s.heldFrame
	var loser *core.Frame
	if held != nil {
		if abs64(frame.TimestampNS-nextTS) < abs64(held.TimestampNS-nextTS) {
			loser = held
			s.heldFrame = frame
		} else {
			loser = frame
		}
	} else {
		s.heldFrame = frame
	}
	pf := s.heldFrame
	s.mu.Unlock()
	if loser != nil {
		s.releaseFrame(loser)
	}
	if pf == nil {
		return
	}

	nowNS := time.Now().UnixNano() / 100
	due := pf.TimestampNS >= nextTS || nowNS >= nextTS+period/2
	if !due {
		return
	}

	s.mu.Lock()
	if s.heldFrame != pf {
		s.mu.Unlock()
		return
	}
	age := nowNS - pf.TimestampNS
	if age > 2*period {
		// Stale: drop and catch up nextTS forward by whole periods.
		s.heldFrame = nil
		for s.nextTS < nowNS {
			s.nextTS += period
		}
		s.mu.Unlock()
		s.releaseFrame(pf)
		return
	}
	s.heldFrame = nil
	s.mu.Unlock()

	s.encodeAndSend(pf, false, period)

	s.mu.Lock()
	s.nextTS += period
	if s.nextTS < nowNS-2*period {
		s.nextTS = nowNS
	}
	s.mu.Unlock()
}

func (s *Scheduler) encodeAndSend(frame *core.Frame, forceKey bool, period int64) {
	if frame.NeedsSync && s.fence != nil {
		s.fence.Wait(frame.FenceValue, fenceWait)
	}

	out, ok := s.encoder.Encode(frame.Texture, frame.TimestampNS, forceKey)
	s.releaseFrame(frame)
	if !ok || out == nil {
		return
	}

	s.mu.Lock()
	s.frameID++
	id := s.frameID
	if forceKey {
		s.nextTS = frame.TimestampNS + period
	}
	s.mu.Unlock()

	s.transport.Send(id, out)
}

func (s *Scheduler) releaseFrame(frame *core.Frame) {
	if frame == nil {
		return
	}
	s.slot.MarkReleased(frame.SlotIndex)
}

func (s *Scheduler) releaseHeldLocked() {
	if s.heldFrame != nil {
		s.slot.MarkReleased(s.heldFrame.SlotIndex)
		s.heldFrame = nil
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
