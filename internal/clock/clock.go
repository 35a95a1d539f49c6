// Package clock abstracts time so execution deadlines can be tested
// deterministically.
package clock

import "time"

// Clock is the time source used by deadline-driven code. Production code
// injects Real(); tests inject a Fake.
type Clock interface {
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
