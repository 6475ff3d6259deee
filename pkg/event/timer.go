package event

import "time"

// Timer is a named one-shot or recurring timer owned by a Loop.
// Timers must only be manipulated from the loop goroutine.
type Timer struct {
	loop   *Loop
	name   string
	period time.Duration
	fn     func()

	recurring bool
	when      time.Time
	seq       uint64
	index     int
}

// NewTimer creates a stopped timer that calls fn after d once started.
func (l *Loop) NewTimer(name string, d time.Duration, fn func()) *Timer {
	return &Timer{
		loop:   l,
		name:   name,
		period: d,
		fn:     fn,
		index:  -1,
	}
}

// Name returns the timer's label.
func (t *Timer) Name() string {
	return t.name
}

// Duration returns the configured period.
func (t *Timer) Duration() time.Duration {
	return t.period
}

// Reset stops the timer and changes its period and callback.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	t.period = d
	if fn != nil {
		t.fn = fn
	}
}

// Start arms the timer once. A running timer is re-armed.
func (t *Timer) Start() {
	t.Stop()
	t.recurring = false
	t.loop.schedule(t, t.loop.Now().Add(t.period))
}

// StartRecurring arms the timer to fire every period until stopped.
func (t *Timer) StartRecurring() {
	t.Stop()
	t.recurring = true
	t.loop.schedule(t, t.loop.Now().Add(t.period))
}

// Stop disarms the timer. Stopping a stopped timer is a no-op.
func (t *Timer) Stop() {
	if t == nil || t.loop == nil {
		return
	}
	t.loop.unschedule(t)
}

// Started reports whether the timer is armed.
func (t *Timer) Started() bool {
	return t != nil && t.index >= 0
}

// Remain returns the time left before the timer fires, or -1 if stopped.
func (t *Timer) Remain() time.Duration {
	if !t.Started() {
		return -1
	}
	d := t.when.Sub(t.loop.Now())
	if d < 0 {
		return 0
	}
	return d
}
