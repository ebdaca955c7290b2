// Package identity issues the per-session and per-install identifiers
// stamped on every event.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/rs/zerolog"
)

const (
	suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength   = 8
	storageTimeout = 2 * time.Second
)

// Manager resolves identifiers lazily on first access and caches them for
// the lifetime of the process.
type Manager struct {
	store  storage.Store
	clock  clock.Clock
	logger zerolog.Logger

	sessionID      string
	clientID       string
	sessionCreated bool
}

// New creates an identity manager.
func New(store storage.Store, c clock.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		clock:  c,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// SessionID returns the tab-scoped session id, creating it if needed.
func (m *Manager) SessionID() string {
	if m.sessionID == "" {
		m.sessionID, m.sessionCreated = m.resolve(m.store.Session(), storage.KeySessionID, "session")
	}
	return m.sessionID
}

// ClientID returns the durable client id, creating it if needed.
func (m *Manager) ClientID() string {
	if m.clientID == "" {
		m.clientID, _ = m.resolve(m.store.Durable(), storage.KeyClientID, "client")
	}
	return m.clientID
}

// SessionStarted reports whether this process created the session id
// rather than picking up one left by an earlier load of the same tab.
func (m *Manager) SessionStarted() bool {
	m.SessionID()
	return m.sessionCreated
}

// EndSession forgets the persisted session id so the next process for this
// tab starts a new session. The cached id stays in use until exit.
func (m *Manager) EndSession() {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	err := m.store.Session().Delete(ctx, storage.KeySessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("Failed to clear session id")
	}
}

// resolve reads key from tier, creating and persisting a fresh id when it
// is absent. Storage errors fall back to a volatile id.
func (m *Manager) resolve(tier storage.KV, key, kind string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	existing, err := tier.Get(ctx, key)
	if err == nil && len(existing) > 0 {
		return string(existing), false
	}

	id := m.generate()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn().Err(err).Str("kind", kind).Msg("Identity storage unavailable, using volatile id")
		return id, true
	}

	if err := tier.Put(ctx, key, []byte(id)); err != nil {
		m.logger.Warn().Err(err).Str("kind", kind).Msg("Failed to persist id, using volatile id")
		return id, true
	}

	m.logger.Debug().Str("kind", kind).Str("id", id).Msg("Issued new identifier")
	return id, true
}

// generate produces "<unix millis base36>-<random base36 suffix>".
func (m *Manager) generate() string {
	ts := strconv.FormatInt(m.clock.Now().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s", ts, randomSuffix())
}

func randomSuffix() string {
	buf := make([]byte, suffixLength)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// This should never happen with a working system RNG
			panic(fmt.Sprintf("failed to generate random id suffix: %v", err))
		}
		buf[i] = suffixAlphabet[n.Int64()]
	}
	return string(buf)
}
