// Package credential owns the single bearer token the agent authenticates
// with. The token is persisted in local storage and cached in memory; every
// mutation bumps a generation counter and is broadcast on a Bus.
//
// Consumers that make network calls capture Snapshot() before the call and
// compare generations afterwards, so a logout racing an in-flight request
// is never undone by that request's result.
package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/store"
)

// Change reasons.
const (
	ReasonLoaded      = "loaded"
	ReasonLogin       = "login"
	ReasonLogout      = "logout"
	ReasonInvalidated = "invalidated"
)

// Storage is the persistence the credential needs.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes the bearer credential.
type Store struct {
	storage Storage
	bus     *Bus
	log     *zap.Logger

	// writeMu serializes mutation + publish so subscribers observe
	// changes in the order they were made.
	writeMu sync.Mutex

	mu    sync.RWMutex
	token string
	gen   uint64
}

// New creates a credential store over storage.
func New(storage Storage, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		storage: storage,
		bus:     NewBus(log),
		log:     log,
	}
}

// Bus returns the change bus.
func (s *Store) Bus() *Bus {
	return s.bus
}

// Subscribe is shorthand for Bus().Subscribe.
func (s *Store) Subscribe(name string, fn Handler) func() {
	return s.bus.Subscribe(name, fn)
}

// Load reads the persisted token into memory. It does not publish.
func (s *Store) Load(ctx context.Context) error {
	data, ok, err := s.storage.Get(ctx, store.KeyToken)
	if err != nil {
		return fmt.Errorf("credential: load: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.token = strings.TrimSpace(string(data))
	} else {
		s.token = ""
	}
	s.gen++
	return nil
}

// Token returns the current token, empty when unauthenticated.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Present reports whether a credential is stored.
func (s *Store) Present() bool {
	return s.Token() != ""
}

// Generation returns the current mutation generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Snapshot returns the token together with its generation.
func (s *Store) Snapshot() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.gen
}

// Set stores a new token. An empty token is equivalent to Clear.
func (s *Store) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.Clear(ctx, ReasonLogout)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.storage.Put(ctx, store.KeyToken, []byte(token)); err != nil {
		return fmt.Errorf("credential: persist: %w", err)
	}
	s.commit(token, ReasonLogin)
	return nil
}

// Clear removes the token.
func (s *Store) Clear(ctx context.Context, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.clearLocked(ctx, reason)
}

// InvalidateIf clears the token only if it has not changed since gen was
// observed. It reports whether the token was cleared.
func (s *Store) InvalidateIf(ctx context.Context, gen uint64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Generation() != gen {
		s.log.Debug("stale invalidation ignored", zap.Uint64("generation", gen))
		return false, nil
	}
	if !s.Present() {
		return false, nil
	}
	if err := s.clearLocked(ctx, ReasonInvalidated); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) clearLocked(ctx context.Context, reason string) error {
	if err := s.storage.Delete(ctx, store.KeyToken); err != nil {
		return fmt.Errorf("credential: delete: %w", err)
	}
	s.commit("", reason)
	return nil
}

// commit updates memory and publishes. Caller holds writeMu.
func (s *Store) commit(token, reason string) {
	s.mu.Lock()
	s.token = token
	s.gen++
	change := Change{Token: token, Generation: s.gen, Reason: reason}
	s.mu.Unlock()

	s.log.Info("credential changed",
		zap.Bool("present", change.Present()),
		zap.String("reason", reason),
		zap.Uint64("generation", change.Generation))
	s.bus.Publish(change)
}
