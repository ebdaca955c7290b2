package pagefeed

import (
	"fmt"
	"sort"

	"github.com/goodtune/mediatrace/internal/player"
	"github.com/rs/zerolog"
)

// Lifecycle receives navigation and lifecycle messages.
type Lifecycle interface {
	Navigate(url string)
	VisibilityChange(hidden bool)
	Unload()
}

// Page is the reconstructed document. It is not safe for concurrent use;
// the collector applies messages on its scheduler.
type Page struct {
	logger zerolog.Logger

	elements     map[string]*Element
	elementOrder []string
	players      map[string]*Player
	playerOrder  []string

	observers  map[int]func()
	observerID int
}

// NewPage creates an empty page.
func NewPage(logger zerolog.Logger) *Page {
	return &Page{
		logger:    logger.With().Str("component", "pagefeed").Logger(),
		elements:  make(map[string]*Element),
		players:   make(map[string]*Player),
		observers: make(map[int]func()),
	}
}

// Elements implements player.Document.
func (p *Page) Elements() []player.MediaElement {
	out := make([]player.MediaElement, 0, len(p.elementOrder))
	for _, id := range p.elementOrder {
		out = append(out, p.elements[id])
	}
	return out
}

// Players implements player.Document.
func (p *Page) Players() []player.WrappedPlayer {
	out := make([]player.WrappedPlayer, 0, len(p.playerOrder))
	for _, id := range p.playerOrder {
		out = append(out, p.players[id])
	}
	return out
}

// Observe implements player.Document.
func (p *Page) Observe(fn func()) func() {
	id := p.observerID
	p.observerID++
	p.observers[id] = fn
	return func() { delete(p.observers, id) }
}

func (p *Page) mutated() {
	ids := make([]int, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := p.observers[id]; ok {
			fn()
		}
	}
}

// Element returns the element with id.
func (p *Page) Element(id string) (*Element, bool) {
	el, ok := p.elements[id]
	return el, ok
}

// Apply processes one message.
func (p *Page) Apply(msg Message, lc Lifecycle) error {
	switch msg.Kind {
	case KindNavigate:
		lc.Navigate(msg.URL)
	case KindVisibility:
		lc.VisibilityChange(msg.Hidden)
	case KindUnload:
		lc.Unload()
	case KindMutation:
		p.mutated()

	case KindElementAdd, KindElementUpdate:
		if msg.Element == nil || msg.Element.ID == "" {
			return fmt.Errorf("%s: element with id required", msg.Kind)
		}
		p.upsertElement(*msg.Element)
		p.mutated()
	case KindElementRemove:
		p.removeElement(msg.ID)
		p.mutated()

	case KindMedia:
		el, ok := p.elements[msg.ID]
		if !ok {
			return fmt.Errorf("media event for unknown element %q", msg.ID)
		}
		el.apply(player.MediaEvent(msg.Event), msg.CurrentTime, msg.Duration)

	case KindPlayerAdd:
		if msg.Player == nil || msg.Player.ID == "" {
			return fmt.Errorf("%s: player with id required", msg.Kind)
		}
		p.addPlayer(*msg.Player)
		p.mutated()
	case KindPlayerRemove:
		p.removePlayer(msg.ID)
		p.mutated()
	case KindPlayerSource:
		pl, ok := p.players[msg.ID]
		if !ok {
			return fmt.Errorf("source change for unknown player %q", msg.ID)
		}
		pl.elementID = ""
		if msg.Element != nil && msg.Element.ID != "" {
			p.upsertElement(*msg.Element)
			pl.elementID = msg.Element.ID
		}
		pl.sourceChanged()

	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	return nil
}

func (p *Page) upsertElement(state ElementState) {
	if el, ok := p.elements[state.ID]; ok {
		el.state = state
		return
	}
	p.elements[state.ID] = newElement(state)
	p.elementOrder = append(p.elementOrder, state.ID)
}

func (p *Page) removeElement(id string) {
	if _, ok := p.elements[id]; !ok {
		return
	}
	delete(p.elements, id)
	p.elementOrder = without(p.elementOrder, id)
	for _, pl := range p.players {
		if pl.elementID == id {
			pl.elementID = ""
		}
	}
}

func (p *Page) addPlayer(state PlayerState) {
	if pl, ok := p.players[state.ID]; ok {
		pl.primary = state.Primary
		pl.elementID = state.Element
		return
	}
	p.players[state.ID] = &Player{
		page:      p,
		id:        state.ID,
		primary:   state.Primary,
		elementID: state.Element,
		listeners: make(map[int]func()),
	}
	p.playerOrder = append(p.playerOrder, state.ID)
}

func (p *Page) removePlayer(id string) {
	if _, ok := p.players[id]; !ok {
		return
	}
	delete(p.players, id)
	p.playerOrder = without(p.playerOrder, id)
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Player is a wrapped player on the page.
type Player struct {
	page      *Page
	id        string
	primary   bool
	elementID string

	listeners map[int]func()
	nextID    int
}

func (pl *Player) ID() string    { return pl.id }
func (pl *Player) Primary() bool { return pl.primary }

// Element implements player.WrappedPlayer.
func (pl *Player) Element() player.MediaElement {
	el, ok := pl.page.elements[pl.elementID]
	if !ok {
		return nil
	}
	return el
}

// OnSourceChange implements player.WrappedPlayer.
func (pl *Player) OnSourceChange(fn func()) func() {
	id := pl.nextID
	pl.nextID++
	pl.listeners[id] = fn
	return func() { delete(pl.listeners, id) }
}

func (pl *Player) sourceChanged() {
	ids := make([]int, 0, len(pl.listeners))
	for id := range pl.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := pl.listeners[id]; ok {
			fn()
		}
	}
}
