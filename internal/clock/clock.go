// Package clock abstracts timers so session timing can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the session machinery uses.
// Production code uses Real(); tests use Fake().
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It returns false if the timer already fired
// or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers periodic ticks on C. Ticks are dropped, not queued,
// when the consumer falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() {
	if t != nil {
		t.stop()
	}
}
