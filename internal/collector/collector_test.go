package collector

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/entityid"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/pagefeed"
	"github.com/goodtune/mediatrace/internal/queue"
	"github.com/goodtune/mediatrace/internal/scheduler"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/goodtune/mediatrace/internal/storage/bolt"
	"github.com/goodtune/mediatrace/internal/storage/memory"
	"github.com/goodtune/mediatrace/internal/transport"
	"github.com/goodtune/mediatrace/internal/watch"
	"github.com/rs/zerolog"
)

type recordingSender struct {
	batches  [][]event.InteractionEvent
	endpoint string
}

func (r *recordingSender) Send(_ context.Context, events []event.InteractionEvent) error {
	r.batches = append(r.batches, events)
	return nil
}

func (r *recordingSender) SetEndpoint(endpoint string) {
	r.endpoint = endpoint
}

func (r *recordingSender) types() [][]event.Type {
	out := make([][]event.Type, len(r.batches))
	for i, b := range r.batches {
		for _, ev := range b {
			out[i] = append(out[i], ev.Type)
		}
	}
	return out
}

type recordingUnload struct {
	accept  bool
	beacons [][]event.InteractionEvent
}

func (r *recordingUnload) Beacon(events []event.InteractionEvent) bool {
	if r.accept {
		r.beacons = append(r.beacons, events)
	}
	return r.accept
}

func (r *recordingUnload) Keepalive([]event.InteractionEvent) {}

type harness struct {
	c      *Collector
	store  storage.Store
	sched  *scheduler.Manual
	clock  *clock.TestClock
	page   *pagefeed.Page
	sender *recordingSender
	unload *recordingUnload
}

func defaultSettings() Settings {
	return SettingsFromConfig(config.Defaults().Collector)
}

func newHarness(t *testing.T, store storage.Store, settings Settings) *harness {
	t.Helper()
	c := &clock.TestClock{CurrentTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		store:  store,
		sched:  scheduler.NewManual(c),
		clock:  c,
		page:   pagefeed.NewPage(zerolog.Nop()),
		sender: &recordingSender{},
		unload: &recordingUnload{accept: true},
	}
	coll, err := New(Options{
		Store:     store,
		Scheduler: h.sched,
		Document:  h.page,
		Sender:    h.sender,
		Unload:    h.unload,
		Clock:     c,
		Logger:    zerolog.Nop(),
	}, settings)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	h.c = coll
	return h
}

func (h *harness) apply(t *testing.T, msg pagefeed.Message) {
	t.Helper()
	if err := h.page.Apply(msg, h.c.Bridge()); err != nil {
		t.Fatalf("apply %s: %v", msg.Kind, err)
	}
}

func (h *harness) media(t *testing.T, name string, pos float64) {
	h.apply(t, pagefeed.Message{Kind: pagefeed.KindMedia, ID: "v1", Event: name, CurrentTime: &pos})
}

func assertTypes(t *testing.T, got []event.Type, want ...event.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestWatchSessionEndToEnd(t *testing.T) {
	h := newHarness(t, memory.New(), defaultSettings())
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h.apply(t, pagefeed.Message{Kind: pagefeed.KindElementAdd, Element: &pagefeed.ElementState{
		ID: "v1", Src: "/scene/42/stream", Visible: true, Paused: true, Duration: 12,
	}})
	h.apply(t, pagefeed.Message{Kind: pagefeed.KindNavigate, URL: "http://stash:9999/scenes/42"})

	if snap := h.c.Snapshot(); snap.Scene != "42" || snap.Player != "direct:v1" {
		t.Fatalf("expected scene 42 bound to v1, got %+v", snap)
	}

	h.media(t, "play", 0)
	h.sched.Advance(5 * time.Second)
	h.media(t, "pause", 5)
	h.media(t, "play", 5)
	h.sched.Advance(7 * time.Second)
	h.media(t, "ended", 12)
	h.apply(t, pagefeed.Message{Kind: pagefeed.KindUnload})

	batches := h.sender.types()
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches, got %v", batches)
	}
	assertTypes(t, batches[0], event.TypeSessionStart)
	assertTypes(t, batches[1], event.TypeScenePageEnter, event.TypeSceneView, event.TypeSceneWatchStart)
	assertTypes(t, batches[2], event.TypeSceneWatchPause, event.TypeSceneWatchStart)
	assertTypes(t, batches[3], event.TypeSceneWatchComplete)

	complete := h.sender.batches[3][0]
	if complete.EntityType != event.EntityScene || complete.EntityID != 42 {
		t.Errorf("expected scene 42, got %s/%d", complete.EntityType, complete.EntityID)
	}
	if complete.Metadata["total_watched"] != 12.0 {
		t.Errorf("expected 12 seconds watched, got %v", complete.Metadata["total_watched"])
	}
	segments, _ := complete.Metadata["segments"].([]watch.Segment)
	if len(segments) != 1 || segments[0] != (watch.Segment{Start: 0, End: 12}) {
		t.Errorf("expected [[0 12]], got %v", complete.Metadata["segments"])
	}

	if len(h.unload.beacons) != 1 {
		t.Fatalf("expected one beacon, got %d", len(h.unload.beacons))
	}
	var unloadTypes []event.Type
	for _, ev := range h.unload.beacons[0] {
		unloadTypes = append(unloadTypes, ev.Type)
	}
	assertTypes(t, unloadTypes, event.TypeScenePageLeave, event.TypeSessionEnd)

	sessionEnd := h.unload.beacons[0][1]
	if sessionEnd.EntityID != entityid.Hash("session:"+sessionEnd.SessionID) {
		t.Errorf("expected session entity hashed from the session id")
	}
	if h.c.Snapshot().Queued != 0 {
		t.Error("expected queue cleared after beacon")
	}
}

func TestReloadKeepsSessionAndQueue(t *testing.T) {
	store := memory.New()
	settings := defaultSettings()
	settings.ImmediateTypes = nil

	first := newHarness(t, store, settings)
	if err := first.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	first.c.Capture(event.TypeImageView, event.EntityImage, "7", nil)
	session := first.c.Snapshot().SessionID

	second := newHarness(t, store, settings)
	if err := second.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	snap := second.c.Snapshot()
	if snap.SessionID != session {
		t.Errorf("expected session %s reused, got %s", session, snap.SessionID)
	}
	if snap.Queued != 2 {
		t.Fatalf("expected session_start and image_view restored, got %d", snap.Queued)
	}

	second.sched.Advance(5 * time.Second)
	if len(second.sender.batches) != 1 || len(second.sender.batches[0]) != 2 {
		t.Errorf("expected restored events delivered, got %v", second.sender.types())
	}
}

func TestInvalidEntityDropped(t *testing.T) {
	h := newHarness(t, memory.New(), defaultSettings())
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	before := h.c.Snapshot().Queued

	h.c.Capture(event.TypeImageView, event.EntityImage, "not-a-number", nil)
	h.c.Capture(event.TypeGalleryView, event.EntityGallery, "", nil)

	if h.c.Snapshot().Queued != before {
		t.Errorf("expected invalid events dropped")
	}
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, memory.New(), defaultSettings())
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	settings := defaultSettings()
	settings.Endpoint = "http://collector.internal:8080"
	settings.Enabled = false
	h.c.Reconfigure(settings)

	if h.sender.endpoint != "http://collector.internal:8080" {
		t.Errorf("expected endpoint pushed to sender, got %q", h.sender.endpoint)
	}
	queued := h.c.Snapshot().Queued
	h.c.Capture(event.TypeImageView, event.EntityImage, "7", nil)
	if h.c.Snapshot().Queued != queued {
		t.Error("expected disabled collector to drop events")
	}

	h.apply(t, pagefeed.Message{Kind: pagefeed.KindElementAdd, Element: &pagefeed.ElementState{ID: "v1"}})
	h.c.ShowScene("42")
	if h.c.Snapshot().Player != "" {
		t.Error("expected no player binding while disabled")
	}
}

func TestAutoDetectOff(t *testing.T) {
	settings := defaultSettings()
	settings.AutoDetect = false
	settings.ImmediateTypes = nil
	h := newHarness(t, memory.New(), settings)
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h.c.Navigate("/scenes/42")
	if h.c.Snapshot().Scene != "" {
		t.Fatal("expected navigation ignored")
	}
	h.c.ShowScene("42")
	if h.c.Snapshot().Scene != "42" {
		t.Error("expected explicit scene view")
	}
}

func TestVisibilityHiddenClosesSegmentAndFlushes(t *testing.T) {
	h := newHarness(t, memory.New(), defaultSettings())
	h.unload.accept = false
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h.apply(t, pagefeed.Message{Kind: pagefeed.KindElementAdd, Element: &pagefeed.ElementState{ID: "v1", Paused: true}})
	h.c.Navigate("/scenes/42")
	h.media(t, "play", 0)
	h.sched.Advance(2 * time.Second)
	h.media(t, "timeupdate", 2)

	h.c.VisibilityChange(true)
	if h.c.Snapshot().Watched != 2 {
		t.Errorf("expected 2 seconds recorded on hide, got %v", h.c.Snapshot().Watched)
	}
	if h.c.Snapshot().Queued == 0 {
		t.Error("expected queue kept when the beacon is unavailable")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Defaults().Collector
	cfg.SendInterval = "bogus"
	cfg.ProgressThrottle = "2s"

	s := SettingsFromConfig(cfg)
	if s.SendInterval != queue.DefaultSendInterval {
		t.Errorf("expected fallback interval, got %v", s.SendInterval)
	}
	if s.ProgressThrottle != 2*time.Second {
		t.Errorf("expected 2s throttle, got %v", s.ProgressThrottle)
	}
	if len(s.ImmediateTypes) != 2 || s.ImmediateTypes[0] != event.TypeSessionStart {
		t.Errorf("unexpected immediate types %v", s.ImmediateTypes)
	}
	if s.QueueCapacity != 1000 || s.MaxBatchSize != 40 {
		t.Errorf("unexpected limits %d/%d", s.QueueCapacity, s.MaxBatchSize)
	}
}

func TestUnencodableMetadataDropped(t *testing.T) {
	settings := defaultSettings()
	settings.ImmediateTypes = nil
	h := newHarness(t, memory.New(), settings)
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h.c.Capture(event.TypeImageView, event.EntityImage, "7", event.Metadata{"zoom": math.NaN()})
	h.c.Capture(event.TypeImageView, event.EntityImage, "8", nil)
	h.sched.Advance(5 * time.Second)

	if len(h.sender.batches) != 1 {
		t.Fatalf("expected one delivered batch, got %v", h.sender.types())
	}
	batch := h.sender.batches[0]
	assertTypes(t, h.sender.types()[0], event.TypeSessionStart, event.TypeImageView)
	if batch[1].EntityID != 8 {
		t.Errorf("expected image 8 delivered, got %d", batch[1].EntityID)
	}
	if _, err := transport.Encode(batch); err != nil {
		t.Errorf("expected batch to encode: %v", err)
	}
	if h.c.Snapshot().Queued != 0 {
		t.Error("expected queue drained")
	}
}

func TestRestartAfterShutdownStartsNewSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediatrace.bolt")
	settings := defaultSettings()
	settings.ImmediateTypes = nil

	first, err := bolt.Open(path, "default", 12*time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	run1 := newHarness(t, first, settings)
	if err := run1.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	session := run1.c.Snapshot().SessionID
	client := run1.c.identity.ClientID()
	run1.c.Shutdown()
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := bolt.Open(path, "default", 12*time.Hour)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = second.Close() }()
	run2 := newHarness(t, second, settings)
	if err := run2.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if run2.c.Snapshot().SessionID == session {
		t.Errorf("expected a new session after shutdown, got %s again", session)
	}
	if run2.c.identity.ClientID() != client {
		t.Errorf("expected client %s kept across runs, got %s", client, run2.c.identity.ClientID())
	}
	run2.sched.Advance(5 * time.Second)
	if len(run2.sender.batches) != 1 {
		t.Fatalf("expected one batch, got %v", run2.sender.types())
	}
	assertTypes(t, run2.sender.types()[0], event.TypeSessionStart)
}

func TestInstrumentationReenabledBindsCurrentScene(t *testing.T) {
	settings := defaultSettings()
	settings.InstrumentPlayers = false
	h := newHarness(t, memory.New(), settings)
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h.apply(t, pagefeed.Message{Kind: pagefeed.KindElementAdd, Element: &pagefeed.ElementState{
		ID: "v1", Src: "/scene/42/stream", Visible: true, Paused: true,
	}})
	h.c.Navigate("/scenes/42")
	if h.c.Snapshot().Player != "" {
		t.Fatal("expected no binding while instrumentation is off")
	}

	settings.InstrumentPlayers = true
	h.c.Reconfigure(settings)
	if snap := h.c.Snapshot(); snap.Player != "direct:v1" {
		t.Fatalf("expected scene 42 bound after re-enabling, got %+v", snap)
	}

	// Re-applying unchanged settings keeps the binding.
	h.c.Reconfigure(settings)
	if h.c.Snapshot().Player != "direct:v1" {
		t.Error("expected binding kept across identical reconfigure")
	}
}
