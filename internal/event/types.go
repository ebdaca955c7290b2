package event

import (
	"fmt"
	"time"
)

// Type is the closed taxonomy of interaction events.
type Type string

const (
	TypeSessionStart       Type = "session_start"
	TypeSessionEnd         Type = "session_end"
	TypeSceneView          Type = "scene_view"
	TypeScenePageEnter     Type = "scene_page_enter"
	TypeScenePageLeave     Type = "scene_page_leave"
	TypeSceneWatchStart    Type = "scene_watch_start"
	TypeSceneWatchPause    Type = "scene_watch_pause"
	TypeSceneSeek          Type = "scene_seek"
	TypeSceneWatchProgress Type = "scene_watch_progress"
	TypeSceneWatchComplete Type = "scene_watch_complete"
	TypeImageView          Type = "image_view"
	TypeGalleryView        Type = "gallery_view"
	TypeLibrarySearch      Type = "library_search"
)

var validTypes = map[Type]bool{
	TypeSessionStart:       true,
	TypeSessionEnd:         true,
	TypeSceneView:          true,
	TypeScenePageEnter:     true,
	TypeScenePageLeave:     true,
	TypeSceneWatchStart:    true,
	TypeSceneWatchPause:    true,
	TypeSceneSeek:          true,
	TypeSceneWatchProgress: true,
	TypeSceneWatchComplete: true,
	TypeImageView:          true,
	TypeGalleryView:        true,
	TypeLibrarySearch:      true,
}

// Valid reports whether t belongs to the taxonomy.
func (t Type) Valid() bool {
	return validTypes[t]
}

// AllTypes returns the taxonomy in declaration order.
func AllTypes() []Type {
	return []Type{
		TypeSessionStart, TypeSessionEnd,
		TypeSceneView, TypeScenePageEnter, TypeScenePageLeave,
		TypeSceneWatchStart, TypeSceneWatchPause, TypeSceneSeek,
		TypeSceneWatchProgress, TypeSceneWatchComplete,
		TypeImageView, TypeGalleryView, TypeLibrarySearch,
	}
}

// EntityType names the kind of object an event refers to.
type EntityType string

const (
	EntityScene   EntityType = "scene"
	EntityImage   EntityType = "image"
	EntityGallery EntityType = "gallery"
	EntitySession EntityType = "session"
	EntityLibrary EntityType = "library"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityScene, EntityImage, EntityGallery, EntitySession, EntityLibrary:
		return true
	}
	return false
}

// Numeric reports whether ids of this kind must be numeric.
func (e EntityType) Numeric() bool {
	switch e {
	case EntityScene, EntityImage, EntityGallery:
		return true
	}
	return false
}

// TimestampLayout is the wire format of InteractionEvent.TS.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Metadata carries event-specific fields.
type Metadata map[string]any

// InteractionEvent is the wire envelope of one captured interaction.
// Values are built once by a Builder and never mutated afterwards.
type InteractionEvent struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	ClientID   string     `json:"client_id"`
	TS         string     `json:"ts"`
	Type       Type       `json:"type"`
	EntityType EntityType `json:"entity_type"`
	EntityID   uint32     `json:"entity_id"`
	Metadata   Metadata   `json:"metadata,omitempty"`
}

// Time parses the event timestamp.
func (e InteractionEvent) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, e.TS)
}

// Validate checks the structural invariants of an envelope.
func (e InteractionEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	if e.SessionID == "" || e.ClientID == "" {
		return fmt.Errorf("event %s: session and client ids are required", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event %s: invalid event type: %q", e.ID, e.Type)
	}
	if !e.EntityType.Valid() {
		return fmt.Errorf("event %s: invalid entity type: %q", e.ID, e.EntityType)
	}
	if e.EntityID == 0 {
		return fmt.Errorf("event %s: entity id must be non-zero", e.ID)
	}
	if _, err := e.Time(); err != nil {
		return fmt.Errorf("event %s: invalid timestamp: %w", e.ID, err)
	}
	return nil
}
