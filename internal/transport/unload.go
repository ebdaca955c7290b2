package transport

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// MaxBeaconBytes is the largest body the beacon path accepts.
	MaxBeaconBytes = 64 << 10

	DefaultBeaconBacklog = 8
	DefaultUnloadTimeout = 10 * time.Second
)

// UnloadSender hands batches off for delivery that must outlive the caller.
//
// Beacon is a non-blocking hand-off that reports whether the batch was
// accepted; once accepted delivery is no longer the caller's concern.
// Keepalive starts a best-effort send whose outcome is never reported.
type UnloadSender struct {
	sender  *HTTPSender
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan []byte
	wg     sync.WaitGroup
}

// NewUnloadSender starts the beacon worker.
func NewUnloadSender(sender *HTTPSender, backlog int, timeout time.Duration, logger zerolog.Logger) *UnloadSender {
	if backlog <= 0 {
		backlog = DefaultBeaconBacklog
	}
	if timeout <= 0 {
		timeout = DefaultUnloadTimeout
	}
	u := &UnloadSender{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With().Str("component", "unload-sender").Logger(),
		jobs:    make(chan []byte, backlog),
	}
	u.wg.Add(1)
	go u.work()
	return u
}

// Beacon queues events for background delivery. It returns false when the
// batch is too large, the backlog is full or the sender is closed.
func (u *UnloadSender) Beacon(events []event.InteractionEvent) bool {
	body, err := Encode(events)
	if err != nil {
		u.logger.Error().Err(err).Msg("Failed to encode beacon batch")
		return false
	}
	if len(body) > MaxBeaconBytes {
		metrics.FlushTotal.WithLabelValues("beacon", "rejected").Inc()
		u.logger.Debug().Int("bytes", len(body)).Msg("Beacon batch too large")
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	select {
	case u.jobs <- body:
		metrics.FlushTotal.WithLabelValues("beacon", "accepted").Inc()
		return true
	default:
		metrics.FlushTotal.WithLabelValues("beacon", "rejected").Inc()
		return false
	}
}

// Keepalive sends events in the background. The result is only logged.
func (u *UnloadSender) Keepalive(events []event.InteractionEvent) {
	body, err := Encode(events)
	if err != nil {
		u.logger.Error().Err(err).Msg("Failed to encode keepalive batch")
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		u.logger.Warn().Msg("Keepalive after shutdown dropped")
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.deliver("keepalive", body)
	}()
}

func (u *UnloadSender) work() {
	defer u.wg.Done()
	for body := range u.jobs {
		u.deliver("beacon", body)
	}
}

func (u *UnloadSender) deliver(path string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	if err := u.sender.SendBody(ctx, body); err != nil {
		metrics.FlushTotal.WithLabelValues(path, "failure").Inc()
		u.logger.Warn().Err(err).Str("path", path).Msg("Unload delivery failed")
		return
	}
	metrics.FlushTotal.WithLabelValues(path, "success").Inc()
	u.logger.Debug().Str("path", path).Int("bytes", len(body)).Msg("Unload delivery completed")
}

// Close stops accepting beacons and waits up to timeout for outstanding
// deliveries. It reports whether everything finished in time.
func (u *UnloadSender) Close(timeout time.Duration) bool {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		u.logger.Warn().Dur("timeout", timeout).Msg("Unload deliveries still pending at shutdown")
		return false
	}
}
