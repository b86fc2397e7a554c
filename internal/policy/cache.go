package policy

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
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/notify"
	"github.com/getathos/athos-agent/internal/store"
)

// Outcome is the result of one refresh pass.
type Outcome string

const (
	OutcomeNoCredential Outcome = "no_credential"
	OutcomeUpdated      Outcome = "updated"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeFailed       Outcome = "failed"
	// OutcomeDiscarded means the credential changed while the request was
	// in flight and the response was dropped.
	OutcomeDiscarded Outcome = "discarded"
)

// Backend is the remote policy source.
type Backend interface {
	Policies(ctx context.Context, token string) ([]model.Policy, error)
	Health(ctx context.Context) error
}

// Credentials is the part of the credential store the cache needs.
type Credentials interface {
	Snapshot() (string, uint64)
	InvalidateIf(ctx context.Context, gen uint64) (bool, error)
}

// Persistence stores the last good policy set.
type Persistence interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
}

// Notifier shows user-facing notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) bool
}

// Options configures a Cache.
type Options struct {
	Backend         Backend
	Credentials     Credentials
	Persistence     Persistence
	Notifier        Notifier
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	Interval        time.Duration
	GroupPrecedence bool
}

// Cache owns the current policy set. Lookups read an atomically swapped
// pointer and never touch the network.
type Cache struct {
	backend     Backend
	creds       Credentials
	persist     Persistence
	notifier    Notifier
	metrics     *metrics.Metrics
	log         *zap.Logger
	interval    time.Duration
	precedence  bool
	current     atomic.Pointer[Set]
	applyMu     sync.Mutex
	lastRefresh atomic.Int64
	wg          sync.WaitGroup
}

// New creates an empty cache.
func New(opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := &Cache{
		backend:    opts.Backend,
		creds:      opts.Credentials,
		persist:    opts.Persistence,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		log:        log,
		interval:   interval,
		precedence: opts.GroupPrecedence,
	}
	c.current.Store(Compile(nil, opts.GroupPrecedence))
	return c
}

// Lookup evaluates host against the cached set.
func (c *Cache) Lookup(host string) model.Decision {
	return c.current.Load().Lookup(host)
}

// Current returns the cached set.
func (c *Cache) Current() *Set {
	return c.current.Load()
}

// LastRefresh returns the time of the last successful refresh, zero if none.
func (c *Cache) LastRefresh() time.Time {
	ns := c.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Load restores the persisted set so lookups work before the first refresh.
func (c *Cache) Load(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	var policies []model.Policy
	ok, err := c.persist.GetJSON(ctx, store.KeyPolicies, &policies)
	if err != nil {
		return fmt.Errorf("policy: load cached set: %w", err)
	}
	if !ok {
		return nil
	}
	c.swap(Compile(policies, c.precedence))
	c.log.Info("cached policies loaded", zap.Int("count", len(policies)))
	return nil
}

// Refresh fetches the policy set and replaces the cache on success.
// Failures never surface to the user as errors; they are reported through
// the notifier and the returned Outcome. The previous set is always kept
// unless a fresh one was received.
func (c *Cache) Refresh(ctx context.Context) (Outcome, error) {
	token, gen := c.creds.Snapshot()
	if token == "" {
		c.notice(ctx, notify.LoginRequired())
		return c.record(OutcomeNoCredential), nil
	}

	policies, err := c.backend.Policies(ctx, token)
	if _, now := c.creds.Snapshot(); now != gen {
		c.log.Info("policy refresh discarded: credential changed in flight")
		return c.record(OutcomeDiscarded), nil
	}

	switch {
	case errors.Is(err, api.ErrUnauthorized):
		cleared, ierr := c.creds.InvalidateIf(ctx, gen)
		if ierr != nil {
			c.log.Error("invalidate credential", zap.Error(ierr))
		}
		if cleared {
			c.notice(ctx, notify.SessionExpired())
		}
		c.log.Warn("policy refresh rejected: credential invalid")
		return c.record(OutcomeUnauthorized), fmt.Errorf("policy refresh: %w", err)

	case err != nil:
		c.log.Warn("policy refresh failed, keeping cached set", zap.Error(err))
		c.notice(ctx, c.classifyFailure(ctx, err))
		return c.record(OutcomeFailed), fmt.Errorf("policy refresh: %w", err)
	}

	set := Compile(policies, c.precedence)
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if _, now := c.creds.Snapshot(); now != gen {
		return c.record(OutcomeDiscarded), nil
	}
	c.swap(set)
	if c.persist != nil {
		if err := c.persist.PutJSON(ctx, store.KeyPolicies, set.Policies()); err != nil {
			c.log.Error("persist policies", zap.Error(err))
		}
	}
	c.lastRefresh.Store(time.Now().UnixNano())
	c.log.Info("policies refreshed", zap.Int("count", set.Len()))
	return c.record(OutcomeUpdated), nil
}

// classifyFailure picks the notice for a failed refresh: connectivity when
// the backend cannot be reached, configuration when it answers.
func (c *Cache) classifyFailure(ctx context.Context, err error) notify.Notification {
	if api.IsUnreachable(err) {
		return notify.ConnectivityError()
	}
	if herr := c.backend.Health(ctx); herr != nil {
		return notify.ConnectivityError()
	}
	return notify.ConfigurationError(err.Error())
}

// Run refreshes at startup and then every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	c.refreshLogged(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshLogged(ctx)
		}
	}
}

// OnCredentialChange triggers a background refresh when a credential
// appears. On removal the cached set is retained.
func (c *Cache) OnCredentialChange(ch credential.Change) {
	if !ch.Present() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.refreshLogged(ctx)
	}()
}

// Wait blocks until background refreshes started by OnCredentialChange end.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) refreshLogged(ctx context.Context) {
	outcome, err := c.Refresh(ctx)
	if err != nil {
		c.log.Debug("refresh", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func (c *Cache) swap(set *Set) {
	c.current.Store(set)
	if c.metrics != nil {
		c.metrics.CachedPolicies.Set(float64(set.Len()))
	}
}

func (c *Cache) notice(ctx context.Context, n notify.Notification) {
	if c.notifier != nil {
		c.notifier.Send(ctx, n)
	}
}

func (c *Cache) record(o Outcome) Outcome {
	if c.metrics != nil {
		c.metrics.Refreshes.WithLabelValues("policies", string(o)).Inc()
	}
	return o
}
