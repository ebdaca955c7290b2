package pagefeed

import (
	"sort"

	"github.com/goodtune/mediatrace/internal/player"
)

// Element is a media element on the page.
type Element struct {
	state ElementState

	listeners map[player.MediaEvent]map[int]func()
	nextID    int
}

func newElement(state ElementState) *Element {
	return &Element{
		state:     state,
		listeners: make(map[player.MediaEvent]map[int]func()),
	}
}

func (e *Element) ID() string               { return e.state.ID }
func (e *Element) Visible() bool            { return e.state.Visible }
func (e *Element) Paused() bool             { return e.state.Paused }
func (e *Element) ReadyState() int          { return e.state.ReadyState }
func (e *Element) Src() string              { return e.state.Src }
func (e *Element) Played() bool             { return e.state.Played }
func (e *Element) CurrentTime() float64     { return e.state.CurrentTime }
func (e *Element) Duration() float64        { return e.state.Duration }
func (e *Element) Primary() bool            { return e.state.Primary }
func (e *Element) SupportsSeekEvents() bool { return e.state.SeekEvents }

// AddListener implements player.MediaElement.
func (e *Element) AddListener(ev player.MediaEvent, fn func()) func() {
	if e.listeners[ev] == nil {
		e.listeners[ev] = make(map[int]func())
	}
	id := e.nextID
	e.nextID++
	e.listeners[ev][id] = fn
	return func() { delete(e.listeners[ev], id) }
}

// ListenerCount returns the number of registered listeners.
func (e *Element) ListenerCount() int {
	n := 0
	for _, fns := range e.listeners {
		n += len(fns)
	}
	return n
}

// apply updates the element the way a browser would before dispatching ev,
// then dispatches it.
func (e *Element) apply(ev player.MediaEvent, currentTime, duration *float64) {
	if currentTime != nil {
		e.state.CurrentTime = *currentTime
	}
	if duration != nil {
		e.state.Duration = *duration
	}
	switch ev {
	case player.EventPlay:
		e.state.Paused = false
		e.state.Played = true
	case player.EventPause, player.EventEnded:
		e.state.Paused = true
	case player.EventLoadedMetadata:
		if e.state.ReadyState < 1 {
			e.state.ReadyState = 1
		}
	}

	ids := make([]int, 0, len(e.listeners[ev]))
	for id := range e.listeners[ev] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := e.listeners[ev][id]; ok {
			fn()
		}
	}
}
