// Package event implements the single-goroutine reactor that drives every
// PPP state machine in the daemon. All FSM, link and bundle mutations run
// on the loop goroutine; other goroutines hand work over with Post.
package event

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is a cooperative event loop multiplexing posted callbacks and timers.
type Loop struct {
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	timers timerHeap
	seq    uint64
}

// NewLoop creates a loop driven by the wall clock.
func NewLoop(logger *zap.Logger) *Loop {
	return NewLoopWithClock(SystemClock{}, logger)
}

// NewLoopWithClock creates a loop driven by the given clock.
func NewLoopWithClock(clock Clock, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		clock:  clock,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Now returns the loop's notion of the current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post schedules fn to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunPending runs posted callbacks until the queue is empty, including
// callbacks posted by callbacks. Returns the number of callbacks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("Event loop started")
	defer l.logger.Debug("Event loop stopped")

	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for {
		l.RunPending()
		l.fireDue(l.clock.Now())
		l.RunPending()

		d := time.Hour
		if next, ok := l.nextDeadline(); ok {
			d = next.Sub(l.clock.Now())
			if d < 0 {
				d = 0
			}
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-wait.C:
		}
	}
}

// Advance moves a manual clock forward by d, firing every timer that falls
// due in deadline order and draining posted callbacks after each one.
// It panics if the loop is not driven by a *ManualClock.
func (l *Loop) Advance(d time.Duration) {
	mc, ok := l.clock.(*ManualClock)
	if !ok {
		panic("event: Advance requires a manual clock")
	}
	target := mc.Now().Add(d)

	l.RunPending()
	for {
		next, ok := l.nextDeadline()
		if !ok || next.After(target) {
			break
		}
		if next.After(mc.Now()) {
			mc.Set(next)
		}
		l.fireDue(next)
		l.RunPending()
	}
	mc.Set(target)
	l.RunPending()
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

func (l *Loop) fireDue(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		t.index = -1
		if t.recurring {
			l.schedule(t, t.when.Add(t.period))
		}
		t.fn()
	}
}

func (l *Loop) schedule(t *Timer, when time.Time) {
	l.seq++
	t.when = when
	t.seq = l.seq
	heap.Push(&l.timers, t)
}

func (l *Loop) unschedule(t *Timer) {
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
		t.index = -1
	}
}

// timerHeap orders timers by deadline, then by arming order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
