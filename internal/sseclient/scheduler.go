package sseclient

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Reconnects go through it so they can be
// driven by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
