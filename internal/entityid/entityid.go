// Package entityid converts heterogeneous entity identifiers into the
// non-zero uint32 form the wire envelope requires.
package entityid

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"

	"github.com/goodtune/mediatrace/internal/event"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidEntityID is returned when a raw id cannot be normalized.
var ErrInvalidEntityID = errors.New("invalid entity id")

// DefaultCacheSize bounds the memoized hash table.
const DefaultCacheSize = 4096

// Normalizer maps raw ids to uint32. Numeric kinds (scene, image, gallery)
// pass their integer value through; every other kind is hashed.
type Normalizer struct {
	cache *lru.Cache[string, uint32]
}

// New creates a normalizer with a hash cache of the given size.
func New(cacheSize int) (*Normalizer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, uint32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create id cache: %w", err)
	}
	return &Normalizer{cache: cache}, nil
}

// Normalize implements event.Normalizer.
func (n *Normalizer) Normalize(entityType event.EntityType, rawID string) (uint32, error) {
	raw := strings.TrimSpace(rawID)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty id for %s", ErrInvalidEntityID, entityType)
	}

	if entityType.Numeric() {
		return numeric(entityType, raw)
	}

	key := string(entityType) + ":" + raw
	if id, ok := n.cache.Get(key); ok {
		return id, nil
	}
	id := Hash(key)
	n.cache.Add(key, id)
	return id, nil
}

func numeric(entityType event.EntityType, raw string) (uint32, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %s id %q is not numeric", ErrInvalidEntityID, entityType, raw)
	}
	truncated := math.Trunc(value)
	if truncated <= 0 || truncated > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s id %q out of range", ErrInvalidEntityID, entityType, raw)
	}
	return uint32(truncated), nil
}

// Hash is 32-bit FNV-1a with the zero value remapped to 1.
func Hash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}
