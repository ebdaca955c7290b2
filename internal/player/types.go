package player

// MediaEvent names a media element event the engine listens for.
type MediaEvent string

const (
	EventPlay           MediaEvent = "play"
	EventPause          MediaEvent = "pause"
	EventEnded          MediaEvent = "ended"
	EventTimeUpdate     MediaEvent = "timeupdate"
	EventLoadedMetadata MediaEvent = "loadedmetadata"
	EventSeeking        MediaEvent = "seeking"
	EventSeeked         MediaEvent = "seeked"
)

// MediaElement is a playable element on the page.
type MediaElement interface {
	ID() string
	Visible() bool
	Paused() bool
	ReadyState() int
	Src() string
	// Played reports whether the element has ever played.
	Played() bool
	CurrentTime() float64
	Duration() float64
	// Primary reports whether the element sits in the page's main player
	// container.
	Primary() bool
	// SupportsSeekEvents reports whether seeking/seeked are delivered.
	SupportsSeekEvents() bool
	// AddListener registers fn and returns a function that removes it.
	AddListener(ev MediaEvent, fn func()) (remove func())
}

// WrappedPlayer is a player library instance that owns a media element and
// may replace it when the source or playback tech changes.
type WrappedPlayer interface {
	ID() string
	// Element returns the current underlying element, or nil.
	Element() MediaElement
	Primary() bool
	// OnSourceChange registers fn for source/tech changes.
	OnSourceChange(fn func()) (remove func())
}

// Document is the page the engine searches for players.
type Document interface {
	// Elements returns media elements in discovery order.
	Elements() []MediaElement
	// Players returns wrapped players in discovery order.
	Players() []WrappedPlayer
	// Observe calls fn after every structural change of the page body until
	// stop is called.
	Observe(fn func()) (stop func())
}

// Sink receives the media signals of the bound player. The watch tracker
// implements it.
type Sink interface {
	SetPlayerRef(ref string)
	SetDuration(d float64)
	OnPlayStart(position float64)
	OnPause(position float64)
	OnEnded(position float64)
	OnTimeUpdate(position float64)
	OnSeeking()
	OnSeeked(position float64)
	ForceClose(lastKnownPosition float64)
	Resume(position float64)
	LastPosition() (float64, bool)
}

// State is the binding state of the engine.
type State int

const (
	Unattached State = iota
	AttachedDirect
	AttachedWrapped
	ReinstrumentPending
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case AttachedDirect:
		return "attached_direct"
	case AttachedWrapped:
		return "attached_wrapped"
	case ReinstrumentPending:
		return "reinstrument_pending"
	default:
		return "unknown"
	}
}
