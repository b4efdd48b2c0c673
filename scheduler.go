package cloak

import (
	"sync"
	"time"
)

// Clock provides the current time. Both the expiry state machine and the
// rotation manager read time exclusively through a Clock so tests can drive
// them with a virtual clock instead of wall-clock sleeps.
type Clock interface {
	Now() time.Time
}

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop cancels the pending call. Returns false if it already fired or
	// was already stopped.
	Stop() bool
}

// Scheduler schedules future work. The per-subject refresh timers and the
// manager-wide periodic sweep are the only unsolicited wake points in the
// package and both run through a Scheduler so they stay cancellable and
// testable.
type Scheduler interface {
	Clock

	// AfterFunc runs f once after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler is the production Scheduler backed by the time package.
type SystemScheduler struct{}

// NewSystemScheduler returns the wall-clock scheduler.
func NewSystemScheduler() *SystemScheduler {
	return &SystemScheduler{}
}

func (s *SystemScheduler) Now() time.Time {
	return time.Now()
}

func (s *SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{timer: time.AfterFunc(d, f)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Stop() bool {
	return t.timer.Stop()
}

// VirtualScheduler is a deterministic Scheduler driven by explicit Advance
// calls. Scheduled functions run synchronously, on the calling goroutine, in
// due-time order. Intended for tests.
type VirtualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	pending []*virtualTimer
	nextID  int
}

// NewVirtualScheduler creates a virtual scheduler starting at start.
func NewVirtualScheduler(start time.Time) *VirtualScheduler {
	return &VirtualScheduler{now: start}
}

func (vs *VirtualScheduler) Now() time.Time {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.now
}

func (vs *VirtualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.nextID++
	t := &virtualTimer{
		scheduler: vs,
		id:        vs.nextID,
		due:       vs.now.Add(d),
		fn:        f,
	}
	vs.pending = append(vs.pending, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in order. Timers
// scheduled by fired functions are honoured when they fall inside the window.
func (vs *VirtualScheduler) Advance(d time.Duration) {
	vs.mu.Lock()
	target := vs.now.Add(d)
	vs.mu.Unlock()

	for {
		vs.mu.Lock()
		var next *virtualTimer
		nextIdx := -1
		for i, t := range vs.pending {
			if t.due.After(target) {
				continue
			}
			if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.id < next.id) {
				next = t
				nextIdx = i
			}
		}
		if next == nil {
			vs.now = target
			vs.mu.Unlock()
			return
		}
		vs.pending = append(vs.pending[:nextIdx], vs.pending[nextIdx+1:]...)
		if next.due.After(vs.now) {
			vs.now = next.due
		}
		fn := next.fn
		vs.mu.Unlock()

		fn()
	}
}

func (vs *VirtualScheduler) remove(id int) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	for i, t := range vs.pending {
		if t.id == id {
			vs.pending = append(vs.pending[:i], vs.pending[i+1:]...)
			return true
		}
	}
	return false
}

type virtualTimer struct {
	scheduler *VirtualScheduler
	id        int
	due       time.Time
	fn        func()
}

func (t *virtualTimer) Stop() bool {
	return t.scheduler.remove(t.id)
}
