// Package agent wires the agent's components together and runs them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/audit"
	"github.com/getathos/athos-agent/internal/bridge"
	"github.com/getathos/athos-agent/internal/config"
	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/download"
	"github.com/getathos/athos-agent/internal/geo"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/mirror"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/navigate"
	"github.com/getathos/athos-agent/internal/notify"
	"github.com/getathos/athos-agent/internal/policy"
	"github.com/getathos/athos-agent/internal/prohibited"
	"github.com/getathos/athos-agent/internal/proxy"
	"github.com/getathos/athos-agent/internal/report"
	"github.com/getathos/athos-agent/internal/rpc"
	"github.com/getathos/athos-agent/internal/store"
	"github.com/getathos/athos-agent/internal/tabs"
)

// Credential subscriber names, in subscription order.
const (
	SubscriberPolicyCache    = "policy-cache"
	SubscriberProhibitedSync = "prohibited-sync"
	SubscriberTabTracker     = "tab-tracker"
	SubscriberBridgeSession  = "bridge-session"
)

// Agent owns every component of a running agent.
type Agent struct {
	cfg *config.Config
	log *zap.Logger

	Store      *store.Store
	Creds      *credential.Store
	API        *api.Client
	Metrics    *metrics.Metrics
	Shim       *bridge.Shim
	Notices    *notify.Center
	Policies   *policy.Cache
	Prohibited *prohibited.Syncer
	Tabs       *tabs.Tracker
	Audit      *audit.Log
	Reporter   *report.Reporter
	Engine     *navigate.Engine
	Downloads  *download.Gatekeeper
	Bridge     *bridge.Server
	Proxy      *proxy.Server
	RPC        *rpc.Server

	webhooks *notify.Dispatcher
	mirror   *mirror.Sink
	reloader *prohibited.Reloader

	unsubscribe []func()
	ticks       sync.WaitGroup
	closeOnce   sync.Once
}

// New builds every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, log *zap.Logger) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{cfg: cfg, log: log, Metrics: metrics.New()}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a.Store = st

	trail, err := audit.Open(cfg.AuditPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	a.Audit = trail

	sink, err := mirror.New(mirror.Config{Brokers: cfg.Mirror.Brokers, Topic: cfg.Mirror.Topic}, log.Named("mirror"))
	if err != nil {
		trail.Close()
		st.Close()
		return nil, err
	}
	a.mirror = sink

	a.Creds = credential.New(st, log.Named("credential"))
	a.API = api.New(cfg.APIURL, cfg.RequestTimeout, cfg.UserAgent)
	a.Shim = bridge.NewShim(bridge.DefaultCommandTimeout, log.Named("shim"))
	a.webhooks = notify.NewDispatcher(cfg.Alerts, log)
	a.Notices = notify.NewCenter(a.Shim, a.webhooks, cfg.NotifyInterval, log.Named("notify"))

	a.Policies = policy.New(policy.Options{
		Backend:         a.API,
		Credentials:     a.Creds,
		Persistence:     st,
		Notifier:        a.Notices,
		Metrics:         a.Metrics,
		Logger:          log.Named("policy"),
		Interval:        cfg.PolicyRefresh,
		GroupPrecedence: cfg.GroupPrecedence,
	})
	a.Prohibited = prohibited.NewSyncer(prohibited.Options{
		Backend:      a.API,
		Credentials:  a.Creds,
		Persistence:  st,
		Notifier:     a.Notices,
		Metrics:      a.Metrics,
		Logger:       log.Named("prohibited"),
		Interval:     cfg.ProhibitedRefresh,
		OverridePath: cfg.ProhibitedFile,
	})

	a.Tabs = tabs.New(cfg.TimeOnPageInterval, nil, a.Metrics)

	var locator report.Locator
	if cfg.Geo.Enabled {
		locator = geo.New(cfg.Geo.URL, cfg.Geo.TTL, log.Named("geo"))
	}
	var m report.Mirror
	if sink != nil {
		m = sink
	}
	a.Reporter = report.New(report.Options{
		Backend:          a.API,
		Credentials:      a.Creds,
		Host:             a.Shim,
		Sessions:         a.Tabs,
		Locator:          locator,
		Trail:            trail,
		Mirror:           m,
		Notifier:         a.Notices,
		Metrics:          a.Metrics,
		Logger:           log.Named("report"),
		UserAgent:        cfg.UserAgent,
		InteractionRate:  cfg.InteractionRate,
		InteractionBurst: cfg.InteractionBurst,
	})
	// Ticks fire under the tracker's per-tab lock; the collector round trip
	// must not hold it.
	a.Tabs.SetTickFunc(func(tabID int, elapsed time.Duration) {
		a.ticks.Add(1)
		go func() {
			defer a.ticks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.Reporter.ReportTimeOnPage(ctx, tabID, elapsed)
		}()
	})

	a.Engine = navigate.New(navigate.Options{
		Policies:    a.Policies,
		Prohibited:  a.Prohibited,
		Credentials: a.Creds,
		Sessions:    a.Tabs,
		Reporter:    a.Reporter,
		Host:        a.Shim,
		Counter:     st,
		Notifier:    a.Notices,
		Metrics:     a.Metrics,
		Logger:      log.Named("navigate"),
		BlockPage:   cfg.BlockPage,
		FailMode:    cfg.RemoteFailMode,
	})
	a.Downloads = download.New(download.Options{
		Backend:     a.API,
		Credentials: a.Creds,
		Host:        a.Shim,
		Reporter:    a.Reporter,
		Counter:     st,
		Notifier:    a.Notices,
		Metrics:     a.Metrics,
		Logger:      log.Named("download"),
		BlockPage:   cfg.BlockPage,
		Timeout:     cfg.RequestTimeout,
	})

	a.Bridge = bridge.New(bridge.Options{
		Shim:         a.Shim,
		Navigator:    a.Engine,
		Downloads:    a.Downloads,
		Interactions: a.Reporter,
		Credentials:  a.Creds,
		Status:       a,
		Metrics:      a.Metrics,
		Logger:       log.Named("bridge"),
	})
	if cfg.ProxyListen != "" {
		a.Proxy = proxy.NewServer(proxy.Config{Addr: cfg.ProxyListen, BlockPage: cfg.BlockPage}, a.Engine, a.Creds, log.Named("proxy"))
	}
	if cfg.GRPCListen != "" {
		a.RPC = rpc.NewServer(a.Engine, a, a, log.Named("rpc"))
	}

	a.subscribe()
	return a, nil
}

// subscribe registers the documented credential subscribers in order.
func (a *Agent) subscribe() {
	a.unsubscribe = append(a.unsubscribe,
		a.Creds.Subscribe(SubscriberPolicyCache, a.Policies.OnCredentialChange),
		a.Creds.Subscribe(SubscriberProhibitedSync, a.Prohibited.OnCredentialChange),
		a.Creds.Subscribe(SubscriberTabTracker, a.Tabs.OnCredentialChange),
		a.Creds.Subscribe(SubscriberBridgeSession, a.Shim.OnCredentialChange),
	)
}

// Load restores persisted state: the credential, the last policy set and
// the last prohibited list.
func (a *Agent) Load(ctx context.Context) error {
	if err := a.Creds.Load(ctx); err != nil {
		return err
	}
	if err := a.Policies.Load(ctx); err != nil {
		a.log.Warn("cached policies unavailable", zap.Error(err))
	}
	if err := a.Prohibited.Load(ctx); err != nil {
		a.log.Warn("cached prohibited list unavailable", zap.Error(err))
	}
	return nil
}

// Run starts the refresh loops and listeners and blocks until ctx is
// cancelled or a listener fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Load(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	goRun("policy refresh", func(ctx context.Context) error { a.Policies.Run(ctx); return nil })
	goRun("prohibited sync", func(ctx context.Context) error { a.Prohibited.Run(ctx); return nil })

	if a.cfg.ProhibitedFile != "" {
		reloader, err := prohibited.NewReloader(a.Prohibited)
		if err != nil {
			a.log.Warn("prohibited hot-reload disabled", zap.Error(err))
		} else {
			a.reloader = reloader
			goRun("prohibited reload", reloader.Run)
		}
	}

	goRun("bridge", func(ctx context.Context) error { return a.Bridge.Start(ctx, a.cfg.Listen) })
	if a.Proxy != nil {
		goRun("proxy", a.Proxy.Start)
	}
	if a.RPC != nil {
		goRun("grpc", func(ctx context.Context) error { return a.RPC.Serve(ctx, a.cfg.GRPCListen) })
	}

	a.log.Info("agent running",
		zap.String("api", a.API.BaseURL()),
		zap.Bool("authenticated", a.Creds.Present()),
		zap.Int("policies", a.Policies.Current().Len()),
		zap.Int("prohibited", a.Prohibited.Current().Len()))

	<-ctx.Done()
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Status summarizes the agent.
func (a *Agent) Status(ctx context.Context) (model.AgentStatus, error) {
	blocked, err := a.Store.Counter(ctx, store.KeyBlockedCount)
	if err != nil {
		return model.AgentStatus{}, err
	}
	return model.AgentStatus{
		Authenticated:      a.Creds.Present(),
		Policies:           a.Policies.Current().Len(),
		ProhibitedDomains:  a.Prohibited.Current().Len(),
		Tabs:               a.Tabs.Len(),
		BlockedCount:       blocked,
		ShimConnected:      a.Shim.Connected(),
		LastPolicyRefresh:  a.Policies.LastRefresh(),
		LastProhibitedSync: a.Prohibited.LastSync(),
	}, nil
}

// RefreshAll refreshes policies and the prohibited list now.
func (a *Agent) RefreshAll(ctx context.Context) map[string]string {
	out := make(map[string]string, 2)

	o, err := a.Policies.Refresh(ctx)
	if err != nil {
		a.log.Warn("policy refresh failed", zap.Error(err))
	}
	out["policies"] = string(o)

	p, err := a.Prohibited.Sync(ctx)
	if err != nil {
		a.log.Warn("prohibited sync failed", zap.Error(err))
	}
	out["prohibited"] = string(p)
	return out
}

// Close stops timers, drains background work and releases resources.
func (a *Agent) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for _, u := range a.unsubscribe {
			u()
		}
		a.Tabs.Close()
		a.Engine.Wait()
		a.Downloads.Wait()
		a.Bridge.Wait()
		a.ticks.Wait()
		a.Policies.Wait()
		a.Prohibited.Wait()
		if a.webhooks != nil {
			a.webhooks.Wait()
		}
		if a.mirror != nil {
			if err := a.mirror.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close mirror: %w", err))
			}
		}
		if err := a.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit trail: %w", err))
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	})
	return errors.Join(errs...)
}
