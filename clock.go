// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import "time"

// Timer is a single pending callback, as returned by [Clock.AfterFunc].
type Timer interface {
	// Stop cancels the timer. It is idempotent: calling Stop more than
	// once, or after the timer has already fired, is a no-op that
	// returns false.
	Stop() bool
}

// Clock abstracts wall-clock time and one-shot timers so that the retry
// and expiry scheduling in request.go can be driven by a fake clock in
// tests instead of real time.
//
// The production implementation is [SystemClock].
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arranges for f to run, on its own goroutine, after d
	// has elapsed. The returned [Timer] can cancel the callback.
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the [Clock] backed by the real wall clock and
// [time.AfterFunc].
type SystemClock struct{}

var _ Clock = SystemClock{}

// Now implements [Clock].
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements [Clock].
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
