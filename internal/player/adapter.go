package player

import (
	"strings"
)

// Mode identifies which adapter produced a candidate.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeWrapped Mode = "wrapped"
)

// Candidate is a bindable player found on the page.
type Candidate struct {
	Mode    Mode
	Element MediaElement
	// Player is set for wrapped candidates.
	Player  WrappedPlayer
	Primary bool

	order int
}

// Ref returns a stable reference for the bound player.
func (c Candidate) Ref() string {
	if c.Player != nil {
		return string(c.Mode) + ":" + c.Player.ID()
	}
	return string(c.Mode) + ":" + c.Element.ID()
}

// Adapter enumerates candidates of one kind.
type Adapter interface {
	Mode() Mode
	Candidates(doc Document) []Candidate
}

// DirectAdapter finds plain media elements not owned by a wrapped player.
type DirectAdapter struct{}

func (DirectAdapter) Mode() Mode { return ModeDirect }

func (DirectAdapter) Candidates(doc Document) []Candidate {
	owned := make(map[string]bool)
	for _, p := range doc.Players() {
		if el := p.Element(); el != nil {
			owned[el.ID()] = true
		}
	}

	var out []Candidate
	for _, el := range doc.Elements() {
		if owned[el.ID()] {
			continue
		}
		out = append(out, Candidate{Mode: ModeDirect, Element: el, Primary: el.Primary()})
	}
	return out
}

// WrappedAdapter finds library-wrapped players that currently expose an
// element.
type WrappedAdapter struct{}

func (WrappedAdapter) Mode() Mode { return ModeWrapped }

func (WrappedAdapter) Candidates(doc Document) []Candidate {
	var out []Candidate
	for _, p := range doc.Players() {
		el := p.Element()
		if el == nil {
			continue
		}
		out = append(out, Candidate{Mode: ModeWrapped, Element: el, Player: p, Primary: p.Primary()})
	}
	return out
}

// Score weights used when no primary candidate exists.
const (
	scoreVisible     = 8
	scorePlaying     = 4
	scoreReady       = 2
	scoreHasSource   = 2
	scoreSourceMatch = 3
	scoreHasPlayed   = 2
)

// Score rates how likely c is the player of itemID.
func Score(c Candidate, itemID string) int {
	el := c.Element
	score := 0
	if el.Visible() {
		score += scoreVisible
	}
	if !el.Paused() {
		score += scorePlaying
	}
	if el.ReadyState() >= 2 {
		score += scoreReady
	}
	if src := el.Src(); src != "" {
		score += scoreHasSource
		if matchesStream(src, itemID) {
			score += scoreSourceMatch
		}
	}
	if el.Played() {
		score += scoreHasPlayed
	}
	return score
}

// matchesStream reports whether src looks like the stream URL of itemID,
// e.g. /scene/42/stream or /scene/42/stream.mp4.
func matchesStream(src, itemID string) bool {
	if itemID == "" {
		return false
	}
	return strings.Contains(src, "/scene/"+itemID+"/stream")
}

// Select picks the candidate to bind. Primary candidates win in adapter
// order; otherwise the highest score wins, ties going to the visible
// candidate and then to discovery order.
func Select(adapters []Adapter, doc Document, itemID string) (Candidate, bool) {
	var all []Candidate
	for _, a := range adapters {
		for _, c := range a.Candidates(doc) {
			c.order = len(all)
			all = append(all, c)
		}
	}

	for _, c := range all {
		if c.Primary {
			return c, true
		}
	}

	var (
		best      Candidate
		bestScore = -1
		found     bool
	)
	for _, c := range all {
		s := Score(c, itemID)
		switch {
		case s > bestScore:
		case s == bestScore && c.Element.Visible() && !best.Element.Visible():
		default:
			continue
		}
		best, bestScore, found = c, s, true
	}
	return best, found
}
