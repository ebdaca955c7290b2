// Package queue is the persisted delivery queue of interaction events.
//
// Records are kept oldest first and mirrored to durable storage after every
// mutation. Flushes send a prefix of the queue as one batch; at most one
// flush is in flight. The unload path hands the whole queue to a sender that
// outlives the process and clears the queue only when that hand-off is
// accepted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/goodtune/mediatrace/internal/scheduler"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity       = 1000
	DefaultMaxBatchSize   = 40
	DefaultSendInterval   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	storageTimeout = 2 * time.Second
	tokenTick      = scheduler.Token("queue:tick")
)

// Record is a queued event and the number of failed deliveries it has seen.
type Record struct {
	Event    event.InteractionEvent `json:"event"`
	Attempts int                    `json:"attempts"`
}

// Sender delivers one batch.
type Sender interface {
	Send(ctx context.Context, events []event.InteractionEvent) error
}

// UnloadSender takes batches that must be delivered after the process goes
// away.
type UnloadSender interface {
	Beacon(events []event.InteractionEvent) bool
	Keepalive(events []event.InteractionEvent)
}

// Settings control batching and retention. Zero values select defaults.
type Settings struct {
	Enabled        bool
	SendInterval   time.Duration
	MaxBatchSize   int
	Capacity       int
	MaxAttempts    int // 0 retries forever
	ImmediateTypes []event.Type
	RequestTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.SendInterval <= 0 {
		s.SendInterval = DefaultSendInterval
	}
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = DefaultMaxBatchSize
	}
	if s.Capacity <= 0 {
		s.Capacity = DefaultCapacity
	}
	if s.MaxAttempts < 0 {
		s.MaxAttempts = 0
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	return s
}

// Queue is confined to its scheduler.
type Queue struct {
	kv         storage.KV
	sched      scheduler.Scheduler
	sender     Sender
	unload     UnloadSender
	normalizer event.Normalizer
	logger     zerolog.Logger

	settings  Settings
	immediate map[event.Type]bool

	records  []Record
	inFlight bool
	running  bool
}

// New creates a queue. Call Restore to load persisted records and Start to
// begin periodic flushing.
func New(kv storage.KV, sched scheduler.Scheduler, sender Sender, unload UnloadSender, normalizer event.Normalizer, settings Settings, logger zerolog.Logger) *Queue {
	q := &Queue{
		kv:         kv,
		sched:      sched,
		sender:     sender,
		unload:     unload,
		normalizer: normalizer,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	q.apply(settings)
	return q
}

func (q *Queue) apply(settings Settings) {
	q.settings = settings.withDefaults()
	q.immediate = make(map[event.Type]bool, len(q.settings.ImmediateTypes))
	for _, t := range q.settings.ImmediateTypes {
		q.immediate[t] = true
	}
}

// Settings returns the effective settings.
func (q *Queue) Settings() Settings {
	return q.settings
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	return len(q.records)
}

// InFlight reports whether a flush is outstanding.
func (q *Queue) InFlight() bool {
	return q.inFlight
}

// Records returns a copy of the queued records, oldest first.
func (q *Queue) Records() []Record {
	return append([]Record(nil), q.records...)
}

// Start schedules the recurring flush.
func (q *Queue) Start() {
	q.running = true
	q.schedule()
}

// Stop cancels the recurring flush.
func (q *Queue) Stop() {
	q.running = false
	q.sched.Cancel(tokenTick)
}

func (q *Queue) schedule() {
	if !q.running {
		return
	}
	q.sched.ScheduleOnce(q.settings.SendInterval, tokenTick, func() {
		q.Flush()
		q.schedule()
	})
}

// Reconfigure applies new settings. A changed interval restarts the timer
// and a smaller capacity trims the oldest records.
func (q *Queue) Reconfigure(settings Settings) {
	previous := q.settings
	q.apply(settings)

	if q.settings.SendInterval != previous.SendInterval {
		q.schedule()
	}
	if q.trim() > 0 {
		q.persist()
	}
	q.logger.Info().
		Dur("send_interval", q.settings.SendInterval).
		Int("max_batch_size", q.settings.MaxBatchSize).
		Int("capacity", q.settings.Capacity).
		Int("max_attempts", q.settings.MaxAttempts).
		Msg("Queue reconfigured")
}

// Enqueue appends ev, trims the oldest records over capacity and persists.
// Immediate event types trigger a flush.
func (q *Queue) Enqueue(ev event.InteractionEvent) {
	q.records = append(q.records, Record{Event: ev})
	q.trim()
	q.persist()

	if q.immediate[ev.Type] {
		q.Flush()
	}
}

func (q *Queue) trim() int {
	over := len(q.records) - q.settings.Capacity
	if over <= 0 {
		return 0
	}
	q.records = append([]Record(nil), q.records[over:]...)
	metrics.EventsDropped.WithLabelValues("capacity").Add(float64(over))
	q.logger.Warn().Int("dropped", over).Int("capacity", q.settings.Capacity).Msg("Queue full, dropped oldest events")
	return over
}

// Flush sends up to MaxBatchSize of the oldest records. It is a no-op while
// another flush is in flight, when the queue is empty or when delivery is
// disabled.
func (q *Queue) Flush() {
	if q.inFlight || len(q.records) == 0 || !q.settings.Enabled {
		return
	}

	n := min(len(q.records), q.settings.MaxBatchSize)
	batch := make([]event.InteractionEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = q.records[i].Event
	}

	q.inFlight = true
	timeout := q.settings.RequestTimeout
	var sendErr error
	var elapsed time.Duration

	q.sched.Async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		sendErr = q.sender.Send(ctx, batch)
		elapsed = time.Since(start)
	}, func() {
		q.inFlight = false
		metrics.FlushDuration.Observe(elapsed.Seconds())
		q.complete(batch, sendErr)
	})
}

func (q *Queue) complete(batch []event.InteractionEvent, sendErr error) {
	sent := make(map[string]bool, len(batch))
	for _, ev := range batch {
		sent[ev.ID] = true
	}

	if sendErr == nil {
		metrics.FlushTotal.WithLabelValues("batch", "success").Inc()
		q.removeSent(sent)
		q.persist()
		q.logger.Debug().Int("sent", len(batch)).Int("remaining", len(q.records)).Msg("Flushed batch")
		return
	}

	metrics.FlushTotal.WithLabelValues("batch", "failure").Inc()
	for i := range q.records {
		if !sent[q.records[i].Event.ID] {
			break
		}
		q.records[i].Attempts++
	}
	evicted := q.evictExhausted()
	q.persist()
	q.logger.Warn().
		Err(sendErr).
		Int("batch", len(batch)).
		Int("evicted", evicted).
		Msg("Flush failed, will retry")
}

// removeSent drops the leading records that were part of the batch. Records
// trimmed for capacity while the request was in flight are already gone.
func (q *Queue) removeSent(sent map[string]bool) {
	i := 0
	for i < len(q.records) && sent[q.records[i].Event.ID] {
		i++
	}
	q.records = append([]Record(nil), q.records[i:]...)
}

func (q *Queue) evictExhausted() int {
	limit := q.settings.MaxAttempts
	if limit <= 0 {
		return 0
	}
	i := 0
	for i < len(q.records) && q.records[i].Attempts >= limit {
		i++
	}
	if i == 0 {
		return 0
	}
	q.records = append([]Record(nil), q.records[i:]...)
	metrics.EventsDropped.WithLabelValues("max_attempts").Add(float64(i))
	q.logger.Warn().Int("evicted", i).Int("max_attempts", limit).Msg("Dropped events after repeated delivery failures")
	return i
}

// FlushUnload hands the entire queue to the beacon path. The queue is
// cleared only when the beacon accepts; otherwise a keepalive send is
// started and the persisted queue is kept for the next run.
func (q *Queue) FlushUnload() {
	if len(q.records) == 0 || !q.settings.Enabled {
		return
	}
	events := make([]event.InteractionEvent, len(q.records))
	for i, r := range q.records {
		events[i] = r.Event
	}

	if q.unload.Beacon(events) {
		q.records = nil
		q.persist()
		q.logger.Info().Int("events", len(events)).Msg("Queue handed to beacon")
		return
	}

	q.unload.Keepalive(events)
	q.logger.Info().Int("events", len(events)).Msg("Beacon unavailable, sent keepalive and kept queue")
}

// Clear drops every record.
func (q *Queue) Clear() {
	q.records = nil
	q.persist()
}

func (q *Queue) persist() {
	metrics.QueueDepth.Set(float64(len(q.records)))

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := Save(ctx, q.kv, q.records); err != nil {
		q.logger.Error().Err(err).Msg("Failed to persist queue")
	}
}

// Restore replaces the in-memory queue with the persisted one. Invalid
// records are dropped; an unreadable blob yields an empty queue.
func (q *Queue) Restore(ctx context.Context) error {
	records, dropped, err := Load(ctx, q.kv, q.normalizer)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		q.logger.Warn().Err(err).Msg("Discarding unreadable persisted queue")
		records = nil
	}
	if dropped > 0 {
		metrics.EventsDropped.WithLabelValues("restore_invalid").Add(float64(dropped))
		q.logger.Debug().Int("dropped", dropped).Msg("Dropped invalid persisted events")
	}

	q.records = records
	q.trim()
	q.persist()
	q.logger.Info().Int("events", len(q.records)).Msg("Queue restored")
	return nil
}

// ErrCorrupt is returned by Load when the persisted blob cannot be decoded.
var ErrCorrupt = errors.New("persisted queue is corrupt")

// Save writes records to kv.
func Save(ctx context.Context, kv storage.KV, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := kv.Put(ctx, storage.KeyQueue, data); err != nil {
		return fmt.Errorf("store queue: %w", err)
	}
	return nil
}
