// Package collector wires the telemetry components into one service.
//
// All component state is confined to the collector's scheduler. Exported
// methods other than Init post onto the scheduler and may be called from any
// goroutine; Bridge and Emit are for callers already running on it.
package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/entityid"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/identity"
	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/goodtune/mediatrace/internal/page"
	"github.com/goodtune/mediatrace/internal/player"
	"github.com/goodtune/mediatrace/internal/queue"
	"github.com/goodtune/mediatrace/internal/scheduler"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/goodtune/mediatrace/internal/watch"
	"github.com/rs/zerolog"
)

// Options are the collaborators of a collector.
type Options struct {
	Store     storage.Store
	Scheduler scheduler.Scheduler
	// Document is searched for players. A nil document has none.
	Document player.Document
	Sender   queue.Sender
	Unload   queue.UnloadSender
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// endpointSetter is implemented by senders whose target can change.
type endpointSetter interface {
	SetEndpoint(endpoint string)
}

// Collector is the telemetry service of one page.
type Collector struct {
	sched    scheduler.Scheduler
	sender   queue.Sender
	logger   zerolog.Logger
	settings Settings

	identity *identity.Manager
	builder  *event.Builder
	tracker  *watch.Tracker
	engine   *player.Engine
	queue    *queue.Queue
	bridge   *page.Bridge

	initialized bool
}

// New constructs a collector. Call Init before use.
func New(opts Options, settings Settings) (*Collector, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Sender == nil || opts.Unload == nil {
		return nil, errors.New("collector: store, scheduler and senders are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Document == nil {
		opts.Document = emptyDocument{}
	}

	normalizer, err := entityid.New(entityid.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create normalizer: %w", err)
	}

	c := &Collector{
		sched:    opts.Scheduler,
		sender:   opts.Sender,
		logger:   opts.Logger.With().Str("component", "collector").Logger(),
		settings: settings,
		identity: identity.New(opts.Store, opts.Clock, opts.Logger),
	}
	c.builder = event.NewBuilder(c.identity, normalizer, opts.Clock)
	c.tracker = watch.NewTracker(c, opts.Clock, settings.ProgressThrottle, opts.Logger)
	c.engine = player.NewEngine(opts.Document, opts.Scheduler, c.tracker, opts.Logger)
	c.engine.SetEnabled(settings.Enabled && settings.InstrumentPlayers)
	c.queue = queue.New(opts.Store.Durable(), opts.Scheduler, opts.Sender, opts.Unload, normalizer, settings.queueSettings(), opts.Logger)
	c.bridge = page.NewBridge(c, c.tracker, c.engine, c.queue, c.identity.SessionID, opts.Clock, settings.pageSettings(), opts.Logger)
	return c, nil
}

// Init restores the persisted queue, starts the session and begins periodic
// delivery. It must run before the scheduler dispatches other work or from
// a callback running on it.
func (c *Collector) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.queue.Restore(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Could not restore queue, starting empty")
	}

	if c.identity.SessionStarted() {
		c.Emit(event.TypeSessionStart, event.EntitySession, c.identity.SessionID(), nil)
	}
	c.queue.Start()
	c.initialized = true

	c.logger.Info().
		Str("session", c.identity.SessionID()).
		Str("client", c.identity.ClientID()).
		Int("queued", c.queue.Len()).
		Bool("enabled", c.settings.Enabled).
		Msg("Collector initialized")
	return nil
}

// Emit builds an event and enqueues it. Events whose entity id cannot be
// normalized are dropped. It must be called on the scheduler.
func (c *Collector) Emit(t event.Type, entityType event.EntityType, rawID string, metadata event.Metadata) {
	if !c.settings.Enabled {
		return
	}
	ev, err := c.builder.Build(t, entityType, rawID, metadata)
	if err != nil {
		reason := "invalid_entity"
		if errors.Is(err, event.ErrMetadata) {
			reason = "invalid_metadata"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		c.logger.Warn().Err(err).Str("type", string(t)).Str("raw_id", rawID).Msg("Dropping event")
		return
	}
	metrics.EventsEmitted.WithLabelValues(string(t)).Inc()
	c.logger.Debug().Str("type", string(t)).Uint32("entity_id", ev.EntityID).Msg("Event captured")
	c.queue.Enqueue(ev)
}

// Bridge returns the page bridge. It must only be used on the scheduler.
func (c *Collector) Bridge() *page.Bridge {
	return c.bridge
}

// Capture records an event from outside the scheduler.
func (c *Collector) Capture(t event.Type, entityType event.EntityType, rawID string, metadata event.Metadata) {
	c.sched.Post(func() { c.Emit(t, entityType, rawID, metadata) })
}

// Navigate reports a page URL change.
func (c *Collector) Navigate(url string) {
	c.sched.Post(func() { c.bridge.Navigate(url) })
}

// ShowScene reports a scene detail view without route parsing.
func (c *Collector) ShowScene(id string) {
	c.sched.Post(func() { c.bridge.ShowScene(id) })
}

// VisibilityChange reports the page being hidden or shown.
func (c *Collector) VisibilityChange(hidden bool) {
	c.sched.Post(func() { c.bridge.VisibilityChange(hidden) })
}

// Flush requests an immediate batch flush.
func (c *Collector) Flush() {
	c.sched.Post(c.queue.Flush)
}

// Shutdown ends the session: the current scene is left, session_end is
// recorded and the queue goes out on the unload-safe path. The stored
// session id is cleared so the next run opens a new session.
func (c *Collector) Shutdown() {
	c.sched.Post(func() {
		c.bridge.Unload()
		c.identity.EndSession()
		c.queue.Stop()
		c.logger.Info().Int("queued", c.queue.Len()).Msg("Collector shut down")
	})
}

// Reconfigure applies new settings to every component.
func (c *Collector) Reconfigure(settings Settings) {
	c.sched.Post(func() { c.apply(settings) })
}

func (c *Collector) apply(settings Settings) {
	wasInstrumenting := c.settings.Enabled && c.settings.InstrumentPlayers
	instrument := settings.Enabled && settings.InstrumentPlayers
	c.settings = settings
	if s, ok := c.sender.(endpointSetter); ok {
		s.SetEndpoint(settings.Endpoint)
	}
	c.tracker.SetProgressThrottle(settings.ProgressThrottle)
	c.engine.SetEnabled(instrument)
	c.queue.Reconfigure(settings.queueSettings())
	c.bridge.Reconfigure(settings.pageSettings())
	if instrument && !wasInstrumenting {
		if scene := c.bridge.Scene(); scene != "" {
			c.engine.Track(scene)
		}
	}
	c.logger.Info().
		Bool("enabled", settings.Enabled).
		Str("endpoint", settings.Endpoint).
		Bool("auto_detect", settings.AutoDetect).
		Bool("instrument_players", settings.InstrumentPlayers).
		Msg("Settings applied")
}

// Snapshot describes the collector state for diagnostics.
type Snapshot struct {
	SessionID string
	ClientID  string
	Scene     string
	Player    string
	Queued    int
	Watched   float64
}

// Snapshot returns the current state. It must be called on the scheduler.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		SessionID: c.identity.SessionID(),
		ClientID:  c.identity.ClientID(),
		Scene:     c.bridge.Scene(),
		Queued:    c.queue.Len(),
		Watched:   c.tracker.TotalWatched(),
	}
	if b, ok := c.engine.Bound(); ok {
		s.Player = b.Ref()
	}
	return s
}

type emptyDocument struct{}

func (emptyDocument) Elements() []player.MediaElement { return nil }
func (emptyDocument) Players() []player.WrappedPlayer { return nil }
func (emptyDocument) Observe(func()) func()           { return func() {} }
