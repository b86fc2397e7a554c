package prohibited

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/notify"
	"github.com/getathos/athos-agent/internal/store"
)

// Outcome is the result of one sync pass.
type Outcome string

const (
	OutcomeNoCredential Outcome = "no_credential"
	OutcomeUpdated      Outcome = "updated"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeFailed       Outcome = "failed"
	OutcomeDiscarded    Outcome = "discarded"
)

// Backend serves the remote list.
type Backend interface {
	Prohibited(ctx context.Context, token string) (map[string][]string, error)
}

// Credentials is the part of the credential store the syncer needs.
type Credentials interface {
	Snapshot() (string, uint64)
	InvalidateIf(ctx context.Context, gen uint64) (bool, error)
}

// Persistence stores the last synced remote list.
type Persistence interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
}

// Notifier shows user-facing notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) bool
}

// Options configures a Syncer.
type Options struct {
	Backend      Backend
	Credentials  Credentials
	Persistence  Persistence
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Interval     time.Duration
	OverridePath string
}

// Syncer keeps the merged prohibited list current. Matching reads an
// atomically swapped list and never waits on a sync.
type Syncer struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex // guards remote and override
	remote   map[string][]string
	override Override
	lastSync time.Time

	current atomic.Pointer[List]
	wg      sync.WaitGroup
}

// NewSyncer creates a Syncer with an empty list.
func NewSyncer(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	s := &Syncer{opts: opts, log: opts.Logger}
	s.current.Store(Compile(nil, Override{}))
	return s
}

// Match returns the category whose list contains host.
func (s *Syncer) Match(host string) (string, bool) {
	return s.current.Load().Match(host)
}

// MatchURL checks host entries and override URL patterns.
func (s *Syncer) MatchURL(rawURL string) (string, bool) {
	return s.current.Load().MatchURL(rawURL)
}

// Current returns the merged list.
func (s *Syncer) Current() *List {
	return s.current.Load()
}

// LastSync returns when the remote list was last fetched.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Load restores the persisted remote list and reads the override file.
func (s *Syncer) Load(ctx context.Context) error {
	var remote map[string][]string
	var syncedAt int64
	if p := s.opts.Persistence; p != nil {
		if _, err := p.GetJSON(ctx, store.KeyProhibited, &remote); err != nil {
			return fmt.Errorf("prohibited: load cached list: %w", err)
		}
		if _, err := p.GetJSON(ctx, store.KeyProhibitedSync, &syncedAt); err != nil {
			return fmt.Errorf("prohibited: load sync time: %w", err)
		}
	}
	override, err := LoadOverride(s.opts.OverridePath)
	if err != nil {
		return fmt.Errorf("prohibited: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = remote
	s.override = override
	if syncedAt > 0 {
		s.lastSync = time.UnixMilli(syncedAt)
	}
	s.rebuildLocked()
	return nil
}

// ReloadOverride re-reads the override file. On error the previous override
// stays in effect.
func (s *Syncer) ReloadOverride() error {
	override, err := LoadOverride(s.opts.OverridePath)
	if err != nil {
		return fmt.Errorf("prohibited: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = override
	s.rebuildLocked()
	return nil
}

// Sync fetches the remote list and merges it with the override.
func (s *Syncer) Sync(ctx context.Context) (Outcome, error) {
	token, gen := s.opts.Credentials.Snapshot()
	if token == "" {
		return s.record(OutcomeNoCredential), nil
	}

	remote, err := s.opts.Backend.Prohibited(ctx, token)
	if _, now := s.opts.Credentials.Snapshot(); now != gen {
		return s.record(OutcomeDiscarded), nil
	}
	if errors.Is(err, api.ErrUnauthorized) {
		cleared, ierr := s.opts.Credentials.InvalidateIf(ctx, gen)
		if ierr != nil {
			s.log.Error("invalidate credential", zap.Error(ierr))
		}
		if cleared && s.opts.Notifier != nil {
			s.opts.Notifier.Send(ctx, notify.SessionExpired())
		}
		return s.record(OutcomeUnauthorized), fmt.Errorf("prohibited sync: %w", err)
	}
	if err != nil {
		s.log.Warn("prohibited sync failed, keeping cached list", zap.Error(err))
		return s.record(OutcomeFailed), fmt.Errorf("prohibited sync: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.remote = remote
	s.lastSync = now
	s.rebuildLocked()
	size := s.current.Load().Len()
	s.mu.Unlock()

	if p := s.opts.Persistence; p != nil {
		if err := p.PutJSON(ctx, store.KeyProhibited, remote); err != nil {
			s.log.Error("persist prohibited list", zap.Error(err))
		}
		if err := p.PutJSON(ctx, store.KeyProhibitedSync, now.UnixMilli()); err != nil {
			s.log.Error("persist prohibited sync time", zap.Error(err))
		}
	}
	s.log.Info("prohibited list synced", zap.Int("domains", size))
	return s.record(OutcomeUpdated), nil
}

// Run syncs at startup when the cached list is stale, then every interval.
func (s *Syncer) Run(ctx context.Context) {
	if time.Since(s.LastSync()) >= s.opts.Interval {
		s.syncLogged(ctx)
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncLogged(ctx)
		}
	}
}

// OnCredentialChange syncs in the background when a credential appears.
func (s *Syncer) OnCredentialChange(ch credential.Change) {
	if !ch.Present() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.syncLogged(ctx)
	}()
}

// Wait blocks until background syncs end.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) syncLogged(ctx context.Context) {
	if outcome, err := s.Sync(ctx); err != nil {
		s.log.Debug("sync", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func (s *Syncer) rebuildLocked() {
	s.current.Store(Compile(s.remote, s.override))
}

func (s *Syncer) record(o Outcome) Outcome {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Refreshes.WithLabelValues("prohibited", string(o)).Inc()
	}
	return o
}
