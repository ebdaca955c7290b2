package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loop is the production Scheduler: a single goroutine draining an
// unbounded task queue.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	timers  map[Token]*loopTimer
	gen     uint64
	stopped bool

	async  sync.WaitGroup
	done   chan struct{}
	logger zerolog.Logger
}

type loopTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewLoop creates a loop. Call Start before posting work.
func NewLoop(logger zerolog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[Token]*loopTimer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop cancels every pending timer, runs the tasks already queued and
// waits for the loop goroutine to exit. Tasks posted after Stop are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for token, t := range l.timers {
		t.timer.Stop()
		delete(l.timers, token)
	}
	l.mu.Unlock()

	l.signal()
	<-l.done
}

// Wait blocks until in-flight Async work has returned or the timeout
// elapses. It reports whether all work finished.
func (l *Loop) Wait(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		l.async.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Do posts fn and blocks until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, func() {
		defer close(ran)
		fn()
	})
	l.mu.Unlock()
	l.signal()
	<-ran
}

// Post implements Scheduler.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// ScheduleOnce implements Scheduler.
func (l *Loop) ScheduleOnce(delay time.Duration, token Token, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if existing, ok := l.timers[token]; ok {
		existing.timer.Stop()
	}
	l.gen++
	gen := l.gen
	entry := &loopTimer{gen: gen}
	entry.timer = time.AfterFunc(delay, func() {
		l.Post(func() {
			// A timer that was cancelled or replaced after it fired must not run.
			l.mu.Lock()
			current, ok := l.timers[token]
			if !ok || current.gen != gen {
				l.mu.Unlock()
				return
			}
			delete(l.timers, token)
			l.mu.Unlock()
			fn()
		})
	})
	l.timers[token] = entry
}

// Cancel implements Scheduler.
func (l *Loop) Cancel(token Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[token]; ok {
		t.timer.Stop()
		delete(l.timers, token)
	}
}

// Pending implements Scheduler.
func (l *Loop) Pending(token Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[token]
	return ok
}

// Async implements Scheduler.
func (l *Loop) Async(work func(), done func()) {
	l.async.Add(1)
	go func() {
		defer l.async.Done()
		work()
		l.Post(done)
	}()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range tasks {
			l.runTask(task)
		}

		if stopped {
			l.mu.Lock()
			remaining := len(l.tasks)
			l.mu.Unlock()
			if remaining == 0 {
				return
			}
			continue
		}

		if len(tasks) == 0 {
			<-l.wake
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("Recovered panic in scheduled task")
		}
	}()
	task()
}
