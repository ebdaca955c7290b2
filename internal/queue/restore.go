package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/storage"
)

// storedRecord accepts records written by older collectors, which kept the
// raw entity id as a string.
type storedRecord struct {
	Event    storedEvent `json:"event"`
	Attempts int         `json:"attempts"`
}

type storedEvent struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	ClientID   string           `json:"client_id"`
	TS         string           `json:"ts"`
	Type       event.Type       `json:"type"`
	EntityType event.EntityType `json:"entity_type"`
	EntityID   json.RawMessage  `json:"entity_id"`
	Metadata   event.Metadata   `json:"metadata,omitempty"`
}

// Load reads the persisted queue. Each record is re-normalized and
// validated; failures are skipped and counted in dropped. A missing key is
// an empty queue. A blob that is not a JSON array returns ErrCorrupt.
func Load(ctx context.Context, kv storage.KV, normalizer event.Normalizer) (records []Record, dropped int, err error) {
	data, err := kv.Get(ctx, storage.KeyQueue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read queue: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	records = make([]Record, 0, len(raw))
	for _, item := range raw {
		rec, err := restoreRecord(item, normalizer)
		if err != nil {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, dropped, nil
}

func restoreRecord(data json.RawMessage, normalizer event.Normalizer) (Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return Record{}, err
	}

	entityID, err := restoreEntityID(stored.Event.EntityType, stored.Event.EntityID, normalizer)
	if err != nil {
		return Record{}, err
	}

	ev := event.InteractionEvent{
		ID:         stored.Event.ID,
		SessionID:  stored.Event.SessionID,
		ClientID:   stored.Event.ClientID,
		TS:         stored.Event.TS,
		Type:       stored.Event.Type,
		EntityType: stored.Event.EntityType,
		EntityID:   entityID,
		Metadata:   stored.Event.Metadata,
	}
	if err := ev.Validate(); err != nil {
		return Record{}, err
	}
	attempts := stored.Attempts
	if attempts < 0 {
		attempts = 0
	}
	return Record{Event: ev, Attempts: attempts}, nil
}

// restoreEntityID accepts a normalized numeric id as is and runs legacy
// string ids through the normalizer.
func restoreEntityID(entityType event.EntityType, raw json.RawMessage, normalizer event.Normalizer) (uint32, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing entity id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return normalizer.Normalize(entityType, s)
	}

	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("entity id %s: %w", raw, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("entity id must be non-zero")
	}
	return uint32(n), nil
}
