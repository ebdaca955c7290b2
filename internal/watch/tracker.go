// Package watch accumulates how much of a scene was actually played.
//
// The tracker owns a single State at a time. Playback is recorded as
// segments of the source timeline; each segment is derived from the wall
// clock time between a play start and the next pause, end, seek or forced
// close, anchored at the position where that interval ended.
package watch

import (
	"math"
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// MinSegment is the shortest unforced play interval that is recorded.
	MinSegment = 500 * time.Millisecond

	// SeekThreshold is the position jump, in seconds, treated as a seek
	// when the player gives no native seek signal.
	SeekThreshold = 1.0

	// DefaultProgressThrottle bounds the progress event rate.
	DefaultProgressThrottle = 5 * time.Second
)

// Reasons recorded on the pause emitted when tracking stops mid-play.
const (
	ReasonNavigation = "navigation"
	ReasonUnload     = "unload"
)

// Seek sources reported in scene_seek metadata.
const (
	SeekSourceHeuristic = "heuristic"
	SeekSourceNative    = "native"
)

// Emitter receives the semantic events produced by the tracker.
type Emitter interface {
	Emit(t event.Type, entityType event.EntityType, rawID string, metadata event.Metadata)
}

// State is the watch state of the active scene.
type State struct {
	ItemID    string
	Duration  float64
	Segments  []Segment
	PlayerRef string
	Completed bool

	playing        bool
	playStartedAt  time.Time
	playStartPos   float64
	lastProgressAt time.Time
	lastPosition   float64
	lastUpdateAt   time.Time
	hasPosition    bool

	seeking         bool
	seekFrom        float64
	resumeAfterSeek bool
}

// Tracker records watch segments for one scene at a time. It is not safe for
// concurrent use; the collector drives it from its scheduler.
type Tracker struct {
	emitter  Emitter
	clock    clock.Clock
	logger   zerolog.Logger
	throttle time.Duration

	state *State
}

// NewTracker creates a tracker. A non-positive throttle selects the default.
func NewTracker(emitter Emitter, c clock.Clock, throttle time.Duration, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		emitter: emitter,
		clock:   c,
		logger:  logger.With().Str("component", "watch").Logger(),
	}
	t.SetProgressThrottle(throttle)
	return t
}

// SetProgressThrottle changes the minimum interval between progress events.
func (t *Tracker) SetProgressThrottle(d time.Duration) {
	if d <= 0 {
		d = DefaultProgressThrottle
	}
	t.throttle = d
}

// Begin starts tracking itemID. Any running segment of the previous item is
// closed first.
func (t *Tracker) Begin(itemID string) {
	t.teardown(ReasonNavigation)
	t.state = &State{ItemID: itemID}
	t.logger.Debug().Str("item", itemID).Msg("Tracking scene")
}

// End stops tracking without starting a new item. reason labels the closing
// pause when playback was running.
func (t *Tracker) End(reason string) {
	t.teardown(reason)
	t.state = nil
}

// Active returns the tracked item id, or "" when idle.
func (t *Tracker) Active() string {
	if t.state == nil {
		return ""
	}
	return t.state.ItemID
}

// State returns a snapshot of the current state, or nil when idle.
func (t *Tracker) State() *State {
	if t.state == nil {
		return nil
	}
	snapshot := *t.state
	snapshot.Segments = append([]Segment(nil), t.state.Segments...)
	return &snapshot
}

// Playing reports whether a play interval is open.
func (t *Tracker) Playing() bool {
	return t.state != nil && t.state.playing
}

// LastPosition returns the last observed position.
func (t *Tracker) LastPosition() (float64, bool) {
	if t.state == nil {
		return 0, false
	}
	return t.state.lastPosition, t.state.hasPosition
}

// SetPlayerRef records which player the state is bound to.
func (t *Tracker) SetPlayerRef(ref string) {
	if t.state != nil {
		t.state.PlayerRef = ref
	}
}

// SetDuration records the media duration once metadata is loaded.
func (t *Tracker) SetDuration(d float64) {
	if t.state == nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return
	}
	t.state.Duration = d
}

// OnPlayStart opens a play interval and emits scene_watch_start.
func (t *Tracker) OnPlayStart(position float64) {
	s := t.state
	if s == nil || s.playing {
		return
	}
	t.open(position)
	t.emit(event.TypeSceneWatchStart, event.Metadata{
		"position": round2(position),
		"duration": round2(s.Duration),
	})
}

// Resume opens a play interval without emitting anything. It is used when a
// replacement element is already playing.
func (t *Tracker) Resume(position float64) {
	if t.state == nil || t.state.playing {
		return
	}
	t.open(position)
}

func (t *Tracker) open(position float64) {
	s := t.state
	s.playing = true
	s.playStartedAt = t.clock.Now()
	s.playStartPos = position
	s.lastPosition = position
	s.lastUpdateAt = s.playStartedAt
	s.hasPosition = true
}

// OnPause closes the play interval and emits scene_watch_pause.
func (t *Tracker) OnPause(position float64) {
	s := t.state
	if s == nil {
		return
	}
	t.setPosition(position)
	t.captureSegment(false)
	t.emit(event.TypeSceneWatchPause, event.Metadata{
		"position":      round2(position),
		"total_watched": round2(TotalWatched(s.Segments)),
	})
}

// OnEnded closes the play interval, marks the scene completed and emits
// scene_watch_complete with the full segment list.
func (t *Tracker) OnEnded(position float64) {
	s := t.state
	if s == nil {
		return
	}
	t.setPosition(position)
	t.captureSegment(true)
	s.Completed = true
	t.emit(event.TypeSceneWatchComplete, event.Metadata{
		"duration":      round2(s.Duration),
		"position":      round2(position),
		"total_watched": round2(TotalWatched(s.Segments)),
		"segments":      append([]Segment{}, s.Segments...),
	})
}

// OnTimeUpdate handles periodic position reports. While paused any jump
// larger than SeekThreshold is a seek. While playing the position is
// compared with where playback should be by now: running ahead of that, or
// moving backwards, by more than SeekThreshold is a seek, and the open
// interval is closed at the expected position. Lagging behind is a stall.
func (t *Tracker) OnTimeUpdate(position float64) {
	s := t.state
	if s == nil || math.IsNaN(position) || math.IsInf(position, 0) {
		return
	}
	now := t.clock.Now()
	if s.seeking {
		s.lastPosition = position
		s.lastUpdateAt = now
		s.hasPosition = true
		return
	}

	switch {
	case s.playing:
		expected := s.lastPosition + now.Sub(s.lastUpdateAt).Seconds()
		if position > expected+SeekThreshold || position < s.lastPosition-SeekThreshold {
			s.lastPosition = expected
			t.captureSegment(false)
			t.emitSeek(expected, position, SeekSourceHeuristic)
			t.open(position)
		} else {
			s.lastPosition = position
			s.lastUpdateAt = now
		}
	case s.hasPosition && math.Abs(position-s.lastPosition) > SeekThreshold:
		t.emitSeek(s.lastPosition, position, SeekSourceHeuristic)
		s.lastPosition = position
		s.lastUpdateAt = now
	default:
		s.lastPosition = position
		s.lastUpdateAt = now
		s.hasPosition = true
	}

	t.maybeEmitProgress()
}

// OnSeeking handles a native seek start. The open interval is closed at the
// position before the jump.
func (t *Tracker) OnSeeking() {
	s := t.state
	if s == nil || s.seeking {
		return
	}
	s.seeking = true
	s.seekFrom = s.lastPosition
	s.resumeAfterSeek = s.playing
	if s.playing {
		t.captureSegment(false)
	}
}

// OnSeeked handles a native seek completion and emits scene_seek.
func (t *Tracker) OnSeeked(position float64) {
	s := t.state
	if s == nil {
		return
	}
	from, ok := s.seekFrom, s.seeking
	if !ok {
		from = s.lastPosition
	}
	s.seeking = false
	if s.hasPosition && position != from {
		t.emitSeek(from, position, SeekSourceNative)
	}
	s.lastPosition = position
	s.lastUpdateAt = t.clock.Now()
	s.hasPosition = true
	if s.resumeAfterSeek {
		s.resumeAfterSeek = false
		t.open(position)
	}
}

// ForceClose records the open interval regardless of its length, ending at
// lastKnownPosition. Playback is left closed.
func (t *Tracker) ForceClose(lastKnownPosition float64) {
	if t.state == nil {
		return
	}
	t.setPosition(lastKnownPosition)
	t.captureSegment(true)
	t.state.seeking = false
	t.state.resumeAfterSeek = false
}

// TotalWatched returns the seconds covered by recorded segments.
func (t *Tracker) TotalWatched() float64 {
	if t.state == nil {
		return 0
	}
	return TotalWatched(t.state.Segments)
}

func (t *Tracker) setPosition(position float64) {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return
	}
	t.state.lastPosition = position
	t.state.lastUpdateAt = t.clock.Now()
	t.state.hasPosition = true
}

// captureSegment turns the open play interval into a segment ending at the
// last position. Intervals shorter than MinSegment are dropped unless force
// is set.
func (t *Tracker) captureSegment(force bool) {
	s := t.state
	if s == nil || !s.playing {
		return
	}
	s.playing = false

	elapsed := t.clock.Now().Sub(s.playStartedAt)
	if elapsed < MinSegment && !force {
		return
	}

	end := s.lastPosition
	start := math.Max(0, end-elapsed.Seconds())
	if s.playStartPos <= end && start < s.playStartPos {
		start = s.playStartPos
	}
	if end <= start {
		return
	}

	before := TotalWatched(s.Segments)
	s.Segments = MergeSegment(s.Segments, Segment{Start: start, End: end})
	if gained := TotalWatched(s.Segments) - before; gained > 0 {
		metrics.WatchedSeconds.Add(gained)
	}
}

func (t *Tracker) maybeEmitProgress() {
	s := t.state
	if !s.playing || s.seeking {
		return
	}
	now := t.clock.Now()
	if !s.lastProgressAt.IsZero() && now.Sub(s.lastProgressAt) < t.throttle {
		return
	}
	s.lastProgressAt = now

	md := event.Metadata{
		"position": round2(s.lastPosition),
		"duration": round2(s.Duration),
	}
	if s.Duration > 0 {
		md["percent"] = math.Min(100, math.Max(0, math.Round(s.lastPosition/s.Duration*1000)/10))
	}
	t.emit(event.TypeSceneWatchProgress, md)
}

func (t *Tracker) emitSeek(from, to float64, source string) {
	direction := "forward"
	if to < from {
		direction = "backward"
	}
	t.emit(event.TypeSceneSeek, event.Metadata{
		"from":      round2(from),
		"to":        round2(to),
		"delta":     round2(math.Abs(to - from)),
		"direction": direction,
		"source":    source,
	})
}

// teardown closes the running interval of the current item. A final pause
// is reported so the closed segment reaches the endpoint.
func (t *Tracker) teardown(reason string) {
	s := t.state
	if s == nil {
		return
	}
	if s.playing {
		t.captureSegment(true)
		t.emit(event.TypeSceneWatchPause, event.Metadata{
			"position":      round2(s.lastPosition),
			"total_watched": round2(TotalWatched(s.Segments)),
			"reason":        reason,
		})
	}
	t.logger.Debug().
		Str("item", s.ItemID).
		Float64("total_watched", TotalWatched(s.Segments)).
		Msg("Finished tracking scene")
}

func (t *Tracker) emit(typ event.Type, md event.Metadata) {
	t.emitter.Emit(typ, event.EntityScene, t.state.ItemID, md)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
