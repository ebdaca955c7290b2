// Package scheduler provides the single-threaded cooperative executor the
// collector runs on. Every piece of collector state is owned by one
// Scheduler: callbacks posted to it run serially, timers re-enter it when
// they fire, and blocking work is pushed off-loop with Async.
//
// Timers are keyed by Token. Scheduling a token that is already pending
// replaces the previous timer, and Cancel removes it, so a component that
// owns a set of tokens can tear down every outstanding callback on detach.
package scheduler

import "time"

// Token identifies a pending one-shot timer.
type Token string

// Scheduler executes callbacks serially.
type Scheduler interface {
	// Post queues fn to run on the scheduler.
	Post(fn func())

	// ScheduleOnce runs fn after delay unless the token is cancelled or
	// rescheduled first.
	ScheduleOnce(delay time.Duration, token Token, fn func())

	// Cancel drops the pending timer for token, if any.
	Cancel(token Token)

	// Pending reports whether a timer for token is outstanding.
	Pending(token Token) bool

	// Async runs work off the scheduler and then posts done back onto it.
	Async(work func(), done func())
}
