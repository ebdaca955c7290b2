// Package player binds the watch tracker to whichever media player the page
// is showing.
//
// Discovery runs through Adapters over a Document. When no candidate is
// found the engine retries on a bounded backoff and, in parallel, rescans on
// every page mutation until a binding is made or observation times out.
// Wrapped players can replace their element at any time; the engine closes
// the running segment and re-binds to the replacement.
package player

import (
	"time"

	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/goodtune/mediatrace/internal/scheduler"
	"github.com/rs/zerolog"
)

const (
	MaxAttachAttempts = 12
	attachStep        = 150 * time.Millisecond
	attachMaxDelay    = 1200 * time.Millisecond

	MaxReinstrumentAttempts = 6
	reinstrumentBase        = 80 * time.Millisecond
	reinstrumentMaxDelay    = 600 * time.Millisecond

	FallbackTimeout = 30 * time.Second
)

const (
	tokenRetry    scheduler.Token = "player:retry"
	tokenFallback scheduler.Token = "player:fallback"
)

// AttachDelay is the wait before discovery attempt n (1-based).
func AttachDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * attachStep
	if d > attachMaxDelay {
		return attachMaxDelay
	}
	return d
}

// ReinstrumentDelay is the wait before re-binding attempt n (0-based).
func ReinstrumentDelay(attempt int) time.Duration {
	d := reinstrumentBase + time.Duration(attempt)*reinstrumentBase
	if d > reinstrumentMaxDelay {
		return reinstrumentMaxDelay
	}
	return d
}

type binding struct {
	candidate Candidate
	removers  []func()
}

func (b *binding) release() {
	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
}

// Engine tracks a single bound player. It is confined to its scheduler.
type Engine struct {
	doc      Document
	adapters []Adapter
	sched    scheduler.Scheduler
	sink     Sink
	logger   zerolog.Logger

	enabled  bool
	itemID   string
	state    State
	attempts int
	bound    *binding

	stopObserve func()

	reinstrumentPlayer  WrappedPlayer
	reinstrumentAttempt int
}

// NewEngine creates an engine. Wrapped players are preferred over direct
// elements.
func NewEngine(doc Document, sched scheduler.Scheduler, sink Sink, logger zerolog.Logger) *Engine {
	return &Engine{
		doc:      doc,
		adapters: []Adapter{WrappedAdapter{}, DirectAdapter{}},
		sched:    sched,
		sink:     sink,
		enabled:  true,
		logger:   logger.With().Str("component", "player").Logger(),
	}
}

// State returns the binding state.
func (e *Engine) State() State {
	return e.state
}

// Observing reports whether fallback mutation observation is active.
func (e *Engine) Observing() bool {
	return e.stopObserve != nil
}

// Bound returns the bound candidate, if any.
func (e *Engine) Bound() (Candidate, bool) {
	if e.bound == nil {
		return Candidate{}, false
	}
	return e.bound.candidate, true
}

// SetEnabled turns instrumentation on or off. Disabling releases any
// binding.
func (e *Engine) SetEnabled(enabled bool) {
	if e.enabled == enabled {
		return
	}
	e.enabled = enabled
	if !enabled {
		e.Stop()
	}
}

// Track starts discovery for itemID, replacing any previous binding.
func (e *Engine) Track(itemID string) {
	e.Stop()
	if !e.enabled {
		return
	}
	e.itemID = itemID
	e.attempts = 0
	e.tryAttach()
}

// Stop releases the binding and cancels every pending timer.
func (e *Engine) Stop() {
	e.detach()
	e.stopObservation()
	e.sched.Cancel(tokenRetry)
	e.itemID = ""
	e.attempts = 0
}

// Resync reopens the play interval when the bound element kept playing
// while its segment was closed from outside, e.g. while the page was hidden.
func (e *Engine) Resync() {
	if e.bound == nil {
		return
	}
	if el := e.bound.candidate.Element; !el.Paused() {
		e.sink.Resume(el.CurrentTime())
	}
}

func (e *Engine) tryAttach() {
	if c, ok := Select(e.adapters, e.doc, e.itemID); ok {
		e.attach(c, false)
		return
	}

	e.attempts++
	e.startObservation()
	if e.attempts >= MaxAttachAttempts {
		metrics.PlayerAttach.WithLabelValues("none", "exhausted").Inc()
		e.logger.Error().
			Str("item", e.itemID).
			Int("attempts", e.attempts).
			Msg("No player found for scene")
		return
	}

	delay := AttachDelay(e.attempts)
	e.logger.Debug().Int("attempt", e.attempts).Dur("delay", delay).Msg("Player not found, retrying")
	e.sched.ScheduleOnce(delay, tokenRetry, e.tryAttach)
}

func (e *Engine) startObservation() {
	if e.stopObserve == nil {
		e.stopObserve = e.doc.Observe(e.onMutation)
		e.logger.Debug().Msg("Observing page for players")
	}
	if !e.sched.Pending(tokenFallback) {
		e.sched.ScheduleOnce(FallbackTimeout, tokenFallback, e.onFallbackTimeout)
	}
}

func (e *Engine) stopObservation() {
	e.sched.Cancel(tokenFallback)
	if e.stopObserve != nil {
		e.stopObserve()
		e.stopObserve = nil
	}
}

func (e *Engine) onMutation() {
	if e.bound != nil || e.itemID == "" || e.state == ReinstrumentPending {
		return
	}
	if c, ok := Select(e.adapters, e.doc, e.itemID); ok {
		e.attach(c, false)
	}
}

func (e *Engine) onFallbackTimeout() {
	if e.sched.Pending(tokenRetry) {
		e.sched.ScheduleOnce(FallbackTimeout, tokenFallback, e.onFallbackTimeout)
		return
	}
	e.logger.Debug().Msg("Stopped observing page for players")
	e.stopObservation()
}

// attach binds c. When resumed is set the element is a replacement for one
// that was already being tracked and an already-playing element resumes the
// running interval instead of starting a new one.
func (e *Engine) attach(c Candidate, resumed bool) {
	e.sched.Cancel(tokenRetry)
	e.stopObservation()

	el := c.Element
	b := &binding{candidate: c}
	listen := func(ev MediaEvent, fn func()) {
		b.removers = append(b.removers, el.AddListener(ev, fn))
	}

	listen(EventPlay, func() { e.sink.OnPlayStart(el.CurrentTime()) })
	listen(EventPause, func() { e.sink.OnPause(el.CurrentTime()) })
	listen(EventEnded, func() { e.sink.OnEnded(el.CurrentTime()) })
	listen(EventTimeUpdate, func() { e.sink.OnTimeUpdate(el.CurrentTime()) })
	listen(EventLoadedMetadata, func() { e.sink.SetDuration(el.Duration()) })
	if el.SupportsSeekEvents() {
		listen(EventSeeking, func() { e.sink.OnSeeking() })
		listen(EventSeeked, func() { e.sink.OnSeeked(el.CurrentTime()) })
	}
	if c.Player != nil {
		b.removers = append(b.removers, c.Player.OnSourceChange(func() { e.onSourceChange(b) }))
	}

	e.bound = b
	if c.Mode == ModeWrapped {
		e.state = AttachedWrapped
	} else {
		e.state = AttachedDirect
	}

	e.sink.SetPlayerRef(c.Ref())
	e.sink.SetDuration(el.Duration())
	if !el.Paused() {
		if resumed {
			e.sink.Resume(el.CurrentTime())
		} else {
			e.sink.OnPlayStart(el.CurrentTime())
		}
	}

	result := "attached"
	if resumed {
		result = "reinstrumented"
	}
	metrics.PlayerAttach.WithLabelValues(string(c.Mode), result).Inc()
	e.logger.Info().
		Str("item", e.itemID).
		Str("player", c.Ref()).
		Str("mode", string(c.Mode)).
		Bool("resumed", resumed).
		Msg("Attached to player")
}

func (e *Engine) detach() {
	if p := e.reinstrumentPlayer; p != nil {
		e.sched.Cancel(reinstrumentToken(p))
		e.reinstrumentPlayer = nil
	}
	if e.bound == nil {
		e.state = Unattached
		return
	}
	e.bound.release()
	if p := e.bound.candidate.Player; p != nil {
		e.sched.Cancel(reinstrumentToken(p))
	}
	e.logger.Debug().Str("player", e.bound.candidate.Ref()).Msg("Detached from player")
	e.bound = nil
	e.state = Unattached
}

func (e *Engine) onSourceChange(b *binding) {
	if e.bound != b {
		return
	}
	player := b.candidate.Player
	pos, ok := e.sink.LastPosition()
	if !ok {
		pos = b.candidate.Element.CurrentTime()
	}
	e.sink.ForceClose(pos)

	e.detach()
	e.state = ReinstrumentPending
	e.reinstrumentPlayer = player
	e.reinstrumentAttempt = 0
	e.logger.Debug().Str("player", player.ID()).Msg("Player source changed")
	e.sched.ScheduleOnce(ReinstrumentDelay(0), reinstrumentToken(player), e.reinstrument)
}

func (e *Engine) reinstrument() {
	player := e.reinstrumentPlayer
	if player == nil {
		return
	}
	if el := player.Element(); el != nil && el.Src() != "" {
		e.reinstrumentPlayer = nil
		e.attach(Candidate{Mode: ModeWrapped, Element: el, Player: player, Primary: player.Primary()}, true)
		return
	}

	e.reinstrumentAttempt++
	if e.reinstrumentAttempt >= MaxReinstrumentAttempts {
		e.logger.Warn().Str("player", player.ID()).Msg("Player did not expose a new element, rediscovering")
		e.reinstrumentPlayer = nil
		e.state = Unattached
		e.attempts = 0
		e.tryAttach()
		return
	}
	e.sched.ScheduleOnce(ReinstrumentDelay(e.reinstrumentAttempt), reinstrumentToken(player), e.reinstrument)
}

func reinstrumentToken(p WrappedPlayer) scheduler.Token {
	return scheduler.Token("player:" + p.ID() + ":reinstrument")
}
