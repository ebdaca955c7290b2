package player

import (
	"fmt"
	"sort"
)

type fakeElement struct {
	id         string
	visible    bool
	paused     bool
	ready      int
	src        string
	played     bool
	current    float64
	duration   float64
	primary    bool
	seekEvents bool

	listeners map[MediaEvent]map[int]func()
	nextID    int
}

func newElement(id string) *fakeElement {
	return &fakeElement{id: id, paused: true, listeners: make(map[MediaEvent]map[int]func())}
}

func (f *fakeElement) ID() string               { return f.id }
func (f *fakeElement) Visible() bool            { return f.visible }
func (f *fakeElement) Paused() bool             { return f.paused }
func (f *fakeElement) ReadyState() int          { return f.ready }
func (f *fakeElement) Src() string              { return f.src }
func (f *fakeElement) Played() bool             { return f.played }
func (f *fakeElement) CurrentTime() float64     { return f.current }
func (f *fakeElement) Duration() float64        { return f.duration }
func (f *fakeElement) Primary() bool            { return f.primary }
func (f *fakeElement) SupportsSeekEvents() bool { return f.seekEvents }

func (f *fakeElement) AddListener(ev MediaEvent, fn func()) func() {
	if f.listeners[ev] == nil {
		f.listeners[ev] = make(map[int]func())
	}
	id := f.nextID
	f.nextID++
	f.listeners[ev][id] = fn
	return func() { delete(f.listeners[ev], id) }
}

func (f *fakeElement) fire(ev MediaEvent) {
	ids := make([]int, 0, len(f.listeners[ev]))
	for id := range f.listeners[ev] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := f.listeners[ev][id]; ok {
			fn()
		}
	}
}

func (f *fakeElement) listenerCount() int {
	n := 0
	for _, fns := range f.listeners {
		n += len(fns)
	}
	return n
}

type fakePlayer struct {
	id      string
	el      *fakeElement
	primary bool

	sourceFns map[int]func()
	nextID    int
}

func newPlayer(id string, el *fakeElement) *fakePlayer {
	return &fakePlayer{id: id, el: el, sourceFns: make(map[int]func())}
}

func (p *fakePlayer) ID() string    { return p.id }
func (p *fakePlayer) Primary() bool { return p.primary }

func (p *fakePlayer) Element() MediaElement {
	if p.el == nil {
		return nil
	}
	return p.el
}

func (p *fakePlayer) OnSourceChange(fn func()) func() {
	id := p.nextID
	p.nextID++
	p.sourceFns[id] = fn
	return func() { delete(p.sourceFns, id) }
}

func (p *fakePlayer) changeSource() {
	for _, fn := range p.sourceFns {
		fn()
	}
}

type fakeDoc struct {
	elements  []*fakeElement
	players   []*fakePlayer
	observers map[int]func()
	nextID    int
}

func newDoc() *fakeDoc {
	return &fakeDoc{observers: make(map[int]func())}
}

func (d *fakeDoc) Elements() []MediaElement {
	out := make([]MediaElement, 0, len(d.elements))
	for _, el := range d.elements {
		out = append(out, el)
	}
	return out
}

func (d *fakeDoc) Players() []WrappedPlayer {
	out := make([]WrappedPlayer, 0, len(d.players))
	for _, p := range d.players {
		out = append(out, p)
	}
	return out
}

func (d *fakeDoc) Observe(fn func()) func() {
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	return func() { delete(d.observers, id) }
}

func (d *fakeDoc) mutate() {
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	for _, fn := range fns {
		fn()
	}
}

type fakeSink struct {
	calls    []string
	position float64
	has      bool
}

func (s *fakeSink) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeSink) SetPlayerRef(ref string)       { s.record("ref %s", ref) }
func (s *fakeSink) SetDuration(d float64)         { s.record("duration %g", d) }
func (s *fakeSink) OnPlayStart(position float64)  { s.record("play %g", position); s.position, s.has = position, true }
func (s *fakeSink) OnPause(position float64)      { s.record("pause %g", position) }
func (s *fakeSink) OnEnded(position float64)      { s.record("ended %g", position) }
func (s *fakeSink) OnTimeUpdate(position float64) { s.record("time %g", position); s.position, s.has = position, true }
func (s *fakeSink) OnSeeking()                    { s.record("seeking") }
func (s *fakeSink) OnSeeked(position float64)     { s.record("seeked %g", position) }
func (s *fakeSink) ForceClose(position float64)   { s.record("close %g", position) }
func (s *fakeSink) Resume(position float64)       { s.record("resume %g", position) }

func (s *fakeSink) LastPosition() (float64, bool) { return s.position, s.has }

func (s *fakeSink) count(prefix string) int {
	n := 0
	for _, c := range s.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
