// Package page turns page navigation and lifecycle signals into collector
// actions: detail views, library searches, scene enter/leave pairs and the
// unload flush.
package page

import (
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/watch"
	"github.com/rs/zerolog"
)

const DefaultDedupWindow = time.Second

// Emitter builds and enqueues an event.
type Emitter interface {
	Emit(t event.Type, entityType event.EntityType, rawID string, metadata event.Metadata)
}

// Tracker is the subset of the watch tracker the bridge drives.
type Tracker interface {
	Begin(itemID string)
	End(reason string)
	Playing() bool
	LastPosition() (float64, bool)
	ForceClose(lastKnownPosition float64)
}

// Engine is the subset of the player engine the bridge drives.
type Engine interface {
	Track(itemID string)
	Stop()
	Resync()
}

// Flusher sends the queue on the unload-safe path.
type Flusher interface {
	FlushUnload()
}

// Settings control route handling.
type Settings struct {
	AutoDetect  bool
	DedupWindow time.Duration
}

// Bridge is confined to the collector scheduler.
type Bridge struct {
	emitter   Emitter
	tracker   Tracker
	engine    Engine
	flusher   Flusher
	sessionID func() string
	clock     clock.Clock
	logger    zerolog.Logger
	settings  Settings

	scene          string
	sceneEnteredAt time.Time
	lastKey        string
	lastKeyAt      time.Time
	unloaded       bool
}

// NewBridge creates a bridge. sessionID supplies the id used as the entity
// of session_end.
func NewBridge(emitter Emitter, tracker Tracker, engine Engine, flusher Flusher, sessionID func() string, c clock.Clock, settings Settings, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		emitter:   emitter,
		tracker:   tracker,
		engine:    engine,
		flusher:   flusher,
		sessionID: sessionID,
		clock:     c,
		logger:    logger.With().Str("component", "page").Logger(),
	}
	b.Reconfigure(settings)
	return b
}

// Reconfigure applies new settings.
func (b *Bridge) Reconfigure(settings Settings) {
	if settings.DedupWindow <= 0 {
		settings.DedupWindow = DefaultDedupWindow
	}
	b.settings = settings
}

// Scene returns the scene currently shown, or "".
func (b *Bridge) Scene() string {
	return b.scene
}

// Navigate handles a page URL change.
func (b *Bridge) Navigate(rawURL string) {
	if !b.settings.AutoDetect || b.unloaded {
		return
	}
	route := ParseRoute(rawURL)
	b.logger.Debug().Str("url", rawURL).Str("route", route.Kind.String()).Msg("Navigation")

	if route.Kind == RouteScene && route.ID == b.scene {
		return
	}
	if route.Kind != RouteScene {
		b.leaveScene(watch.ReasonNavigation)
	}
	if route.Kind == RouteOther {
		b.lastKey = ""
		return
	}

	now := b.clock.Now()
	key := route.Key()
	if key == b.lastKey && now.Sub(b.lastKeyAt) < b.settings.DedupWindow {
		b.logger.Debug().Str("key", key).Msg("Ignoring repeated navigation")
		return
	}
	b.lastKey, b.lastKeyAt = key, now

	switch route.Kind {
	case RouteScene:
		b.enterScene(route.ID)
	case RouteImage:
		b.emitter.Emit(event.TypeImageView, event.EntityImage, route.ID, nil)
	case RouteGallery:
		b.emitter.Emit(event.TypeGalleryView, event.EntityGallery, route.ID, nil)
	case RouteSearch:
		md := event.Metadata{
			"library": route.Library,
			"query":   route.Query,
			"filters": route.Filters,
		}
		if route.Sort != "" {
			md["sort"] = route.Sort
			md["sort_direction"] = route.SortDirection
		}
		b.emitter.Emit(event.TypeLibrarySearch, event.EntityLibrary, route.Library, md)
	}
}

// ShowScene reports a scene detail view directly, for hosts that do their
// own routing.
func (b *Bridge) ShowScene(id string) {
	if b.unloaded || id == b.scene {
		return
	}
	b.enterScene(id)
}

func (b *Bridge) enterScene(id string) {
	b.leaveScene(watch.ReasonNavigation)

	b.scene = id
	b.sceneEnteredAt = b.clock.Now()
	b.emitter.Emit(event.TypeScenePageEnter, event.EntityScene, id, nil)
	b.emitter.Emit(event.TypeSceneView, event.EntityScene, id, nil)
	b.tracker.Begin(id)
	b.engine.Track(id)
}

func (b *Bridge) leaveScene(reason string) {
	if b.scene == "" {
		return
	}
	dwell := b.clock.Now().Sub(b.sceneEnteredAt)
	b.emitter.Emit(event.TypeScenePageLeave, event.EntityScene, b.scene, event.Metadata{
		"dwell_ms": dwell.Milliseconds(),
	})
	b.engine.Stop()
	b.tracker.End(reason)
	b.scene = ""
}

// VisibilityChange handles the page being hidden or shown. Hiding closes the
// running segment and sends the queue on the unload-safe path.
func (b *Bridge) VisibilityChange(hidden bool) {
	if b.unloaded {
		return
	}
	if !hidden {
		b.engine.Resync()
		return
	}
	if b.tracker.Playing() {
		if pos, ok := b.tracker.LastPosition(); ok {
			b.tracker.ForceClose(pos)
		}
	}
	b.flusher.FlushUnload()
}

// Unload handles page teardown. Later signals are ignored.
func (b *Bridge) Unload() {
	if b.unloaded {
		return
	}
	b.unloaded = true

	scene := b.scene
	if scene != "" {
		b.emitter.Emit(event.TypeScenePageLeave, event.EntityScene, scene, event.Metadata{
			"dwell_ms": b.clock.Now().Sub(b.sceneEnteredAt).Milliseconds(),
		})
	}
	b.emitter.Emit(event.TypeSessionEnd, event.EntitySession, b.sessionID(), nil)
	b.engine.Stop()
	b.tracker.End(watch.ReasonUnload)
	b.scene = ""
	b.flusher.FlushUnload()
	b.logger.Info().Str("scene", scene).Msg("Page unloaded")
}
