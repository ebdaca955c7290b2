package scheduler

import (
	"sort"
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
)

// Manual is a Scheduler driven by virtual time. Posted callbacks run
// synchronously (in FIFO order, never re-entrantly) and timers fire only
// when Advance moves the clock past their deadline.
type Manual struct {
	Clock *clock.TestClock

	// HoldAsync parks Async work until RunAsync is called, which lets tests
	// observe state while a request is in flight.
	HoldAsync bool

	posted   []func()
	draining bool
	timers   []*manualTimer
	held     []func()
	seq      uint64
}

type manualTimer struct {
	token Token
	due   time.Time
	seq   uint64
	fn    func()
}

// NewManual creates a manual scheduler around the given clock.
func NewManual(c *clock.TestClock) *Manual {
	return &Manual{Clock: c}
}

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.posted = append(m.posted, fn)
	m.drain()
}

func (m *Manual) drain() {
	if m.draining {
		return
	}
	m.draining = true
	defer func() { m.draining = false }()
	for len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		fn()
	}
}

// ScheduleOnce implements Scheduler.
func (m *Manual) ScheduleOnce(delay time.Duration, token Token, fn func()) {
	m.Cancel(token)
	m.seq++
	m.timers = append(m.timers, &manualTimer{
		token: token,
		due:   m.Clock.Now().Add(delay),
		seq:   m.seq,
		fn:    fn,
	})
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(token Token) {
	for i, t := range m.timers {
		if t.token == token {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Pending implements Scheduler.
func (m *Manual) Pending(token Token) bool {
	for _, t := range m.timers {
		if t.token == token {
			return true
		}
	}
	return false
}

// Async implements Scheduler.
func (m *Manual) Async(work func(), done func()) {
	if m.HoldAsync {
		m.held = append(m.held, func() {
			work()
			m.Post(done)
		})
		return
	}
	work()
	m.Post(done)
}

// RunAsync completes every held Async call in order.
func (m *Manual) RunAsync() {
	for len(m.held) > 0 {
		next := m.held[0]
		m.held = m.held[1:]
		next()
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order. Timers scheduled by fired callbacks also fire if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.Clock.Now().Add(d)
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.Cancel(next.token)
		if next.due.After(m.Clock.Now()) {
			m.Clock.CurrentTime = next.due
		}
		m.Post(next.fn)
	}
	m.Clock.CurrentTime = target
}

// Timers returns the number of outstanding timers.
func (m *Manual) Timers() int {
	return len(m.timers)
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
