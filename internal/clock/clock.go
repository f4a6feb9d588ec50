// Package clock abstracts time so that every timer the connection manager
// owns can be driven deterministically in tests.
package clock

import (
	"time"
)

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing again. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler schedules one-shot and periodic callbacks. Callbacks run on a
// scheduler-owned goroutine (System) or on the goroutine that advances time
// (Fake); they must not block.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}
