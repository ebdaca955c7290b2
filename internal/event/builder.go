package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/google/uuid"
)

// Identity supplies the session and client ids stamped on every envelope.
type Identity interface {
	SessionID() string
	ClientID() string
}

// Normalizer converts raw entity ids into their wire form.
type Normalizer interface {
	Normalize(entityType EntityType, rawID string) (uint32, error)
}

// ErrMetadata is returned when event metadata cannot be encoded as JSON.
var ErrMetadata = errors.New("metadata not encodable")

// Builder turns semantic events into envelopes.
type Builder struct {
	identity   Identity
	normalizer Normalizer
	clock      clock.Clock
	newID      func() string
}

// NewBuilder creates a builder. Event ids are UUIDv7 strings.
func NewBuilder(identity Identity, normalizer Normalizer, c clock.Clock) *Builder {
	return &Builder{
		identity:   identity,
		normalizer: normalizer,
		clock:      c,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
}

// Build creates an envelope. It fails when the raw id cannot be normalized
// or the metadata cannot be encoded.
func (b *Builder) Build(t Type, entityType EntityType, rawID string, metadata Metadata) (InteractionEvent, error) {
	if !t.Valid() {
		return InteractionEvent{}, fmt.Errorf("invalid event type: %q", t)
	}
	entityID, err := b.normalizer.Normalize(entityType, rawID)
	if err != nil {
		return InteractionEvent{}, fmt.Errorf("build %s: %w", t, err)
	}

	var md Metadata
	if len(metadata) > 0 {
		md = make(Metadata, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
		if _, err := json.Marshal(md); err != nil {
			return InteractionEvent{}, fmt.Errorf("build %s: %w: %v", t, ErrMetadata, err)
		}
	}

	return InteractionEvent{
		ID:         b.newID(),
		SessionID:  b.identity.SessionID(),
		ClientID:   b.identity.ClientID(),
		TS:         b.clock.Now().UTC().Format(TimestampLayout),
		Type:       t,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   md,
	}, nil
}
