// Package navigate decides, per top-level navigation, whether to allow or
// block, and carries out the block sequence.
package navigate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/config"
	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/notify"
	"github.com/getathos/athos-agent/internal/report"
	"github.com/getathos/athos-agent/internal/store"
)

// Block reasons that do not come from a policy.
const (
	ReasonProhibitedList    = "prohibited_list"
	ReasonRemoteUnavailable = "remote_unavailable"
)

// PolicyLookup is the local policy cache.
type PolicyLookup interface {
	Lookup(host string) model.Decision
}

// ProhibitedList matches URLs against the prohibited-domain list.
type ProhibitedList interface {
	MatchURL(rawURL string) (string, bool)
}

// Credentials reports whether protection is active.
type Credentials interface {
	Present() bool
}

// Sessions is the tab time-on-page tracker.
type Sessions interface {
	Start(tabID int)
	Remove(tabID int)
}

// Reporter sends audit events.
type Reporter interface {
	Report(ctx context.Context, rep report.Report) (*api.LogResult, error)
	ForgetTab(tabID int)
}

// Counter persists the blocked-site counter.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// Notifier shows user-facing notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) bool
}

// Options configures an Engine.
type Options struct {
	Policies    PolicyLookup
	Prohibited  ProhibitedList
	Credentials Credentials
	Sessions    Sessions
	Reporter    Reporter
	Host        host.Host
	Counter     Counter
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// BlockPage is the page blocked tabs are redirected to.
	BlockPage string
	// FailMode decides what an unreachable collector means on the allow
	// path: config.FailOpen keeps the page, config.FailClosed blocks it.
	FailMode string
}

// Engine is the navigation decision engine.
type Engine struct {
	opts Options
	log  *zap.Logger
	wg   sync.WaitGroup
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Host == nil {
		opts.Host = host.Nop{}
	}
	if opts.BlockPage == "" {
		opts.BlockPage = "blocked.html"
	}
	if opts.FailMode == "" {
		opts.FailMode = config.FailOpen
	}
	return &Engine{opts: opts, log: opts.Logger}
}

// BlockPageURL returns page with the original URL in the url query parameter.
func BlockPageURL(page, original string) string {
	sep := "?"
	if strings.Contains(page, "?") {
		sep = "&"
	}
	return page + sep + "url=" + url.QueryEscape(original)
}

// Classify evaluates rawURL against the local policy cache and then the
// prohibited list. It never touches the network. Internal failures allow.
func (e *Engine) Classify(rawURL string) (d model.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.failure("classify panic", fmt.Errorf("%v", r))
			d = model.Allowed("evaluation failed")
		}
	}()

	if !model.IsWebURL(rawURL) {
		return model.Allowed("not a web url")
	}
	h, err := model.Hostname(rawURL)
	if err != nil {
		e.failure("classify", err)
		return model.Allowed("invalid url")
	}

	if e.opts.Policies != nil {
		if d := e.opts.Policies.Lookup(h); d.Verdict.Blocked() {
			return d
		}
	}
	if e.opts.Prohibited != nil {
		if category, ok := e.opts.Prohibited.MatchURL(rawURL); ok {
			return model.Decision{
				Verdict:  model.VerdictBlockedRemoteList,
				Category: category,
				Reason:   ReasonProhibitedList,
				Source:   "prohibited",
			}
		}
	}
	return model.Allowed("no matching policy")
}

// HandleBeforeNavigate processes a before-navigate event and returns the
// local decision. Sub-frames, non-web schemes and unauthenticated sessions
// pass through untouched. The allow-path report and any post hoc block run
// in the background.
func (e *Engine) HandleBeforeNavigate(ctx context.Context, ev model.NavigationEvent) (d model.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.failure("navigation handler panic", fmt.Errorf("%v", r))
			d = model.Allowed("evaluation failed")
		}
	}()

	if ev.FrameID != 0 {
		return model.Allowed("sub-frame")
	}
	if !model.IsWebURL(ev.URL) {
		return model.Allowed("not a web url")
	}
	if e.opts.Credentials == nil || !e.opts.Credentials.Present() {
		return model.Allowed("protection inactive")
	}

	d = e.Classify(ev.URL)
	e.count(d)

	if d.Verdict.Blocked() {
		e.Enforce(ctx, ev.TabID, ev.URL, d)
		return d
	}

	if e.opts.Sessions != nil {
		e.opts.Sessions.Start(ev.TabID)
	}
	e.background(func(ctx context.Context) { e.confirm(ctx, ev) })
	return d
}

// confirm reports the visit and applies the collector's verdict.
func (e *Engine) confirm(ctx context.Context, ev model.NavigationEvent) {
	if e.opts.Reporter == nil {
		return
	}
	res, err := e.opts.Reporter.Report(ctx, report.Report{
		URL:       ev.URL,
		Action:    model.ActionVisited,
		EventType: model.EventNavigation,
		TabID:     ev.TabID,
	})

	var d model.Decision
	switch {
	case err != nil && e.opts.FailMode == config.FailClosed:
		d = model.Decision{Verdict: model.VerdictBlockedRemoteList, Reason: ReasonRemoteUnavailable, Source: "collector"}
	case err != nil, res == nil, !res.Blocked:
		return
	default:
		reason := res.Reason
		if reason == "" {
			reason = ReasonProhibitedList
		}
		d = model.Decision{Verdict: model.VerdictBlockedRemoteList, Category: res.Category, Reason: reason, Source: "collector"}
	}

	if !e.stillOn(ctx, ev) {
		e.log.Debug("post hoc block skipped: tab moved on", zap.Int("tab_id", ev.TabID))
		return
	}
	e.count(d)
	e.Enforce(ctx, ev.TabID, ev.URL, d)
}

// stillOn reports whether the tab still shows the navigated host.
func (e *Engine) stillOn(ctx context.Context, ev model.NavigationEvent) bool {
	tab, err := e.opts.Host.Tab(ctx, ev.TabID)
	if err != nil {
		return false
	}
	want, err1 := model.Hostname(ev.URL)
	got, err2 := model.Hostname(tab.URL)
	return err1 == nil && err2 == nil && want == got
}

// Enforce runs the block sequence: redirect to the block page, notify,
// bump the blocked counter, end the tab session, and report. tabID <= 0
// skips the tab steps (proxy traffic).
func (e *Engine) Enforce(ctx context.Context, tabID int, rawURL string, d model.Decision) {
	domain, _ := model.Hostname(rawURL)

	if tabID > 0 {
		if err := e.opts.Host.RedirectTab(ctx, tabID, BlockPageURL(e.opts.BlockPage, rawURL)); err != nil {
			e.log.Warn("redirect to block page failed", zap.Int("tab_id", tabID), zap.Error(err))
		}
		if e.opts.Sessions != nil {
			e.opts.Sessions.Remove(tabID)
		}
	}
	if e.opts.Notifier != nil {
		e.opts.Notifier.Send(ctx, notify.SiteBlocked(domain, d.Category))
	}
	if e.opts.Counter != nil {
		if _, err := e.opts.Counter.Increment(ctx, store.KeyBlockedCount); err != nil {
			e.log.Error("increment blocked counter", zap.Error(err))
		}
	}

	e.log.Info("navigation blocked",
		zap.String("domain", domain),
		zap.String("verdict", string(d.Verdict)),
		zap.String("reason", d.Reason),
		zap.String("category", d.Category))

	info := &model.PolicyInfo{BlockReason: d.Reason, Category: d.Category}
	if d.Policy != nil {
		info.PolicyID = d.Policy.ID
	}
	e.background(func(ctx context.Context) {
		if e.opts.Reporter == nil {
			return
		}
		e.opts.Reporter.Report(ctx, report.Report{
			URL:        rawURL,
			Action:     model.ActionBlocked,
			EventType:  model.EventBlock,
			TabID:      tabID,
			Details:    map[string]any{"verdict": string(d.Verdict), "source": d.Source},
			PolicyInfo: info,
		})
	})
}

// HandleTabRemoved ends the tab's session.
func (e *Engine) HandleTabRemoved(tabID int) {
	if e.opts.Sessions != nil {
		e.opts.Sessions.Remove(tabID)
	}
	if e.opts.Reporter != nil {
		e.opts.Reporter.ForgetTab(tabID)
	}
}

// Wait blocks until background reports finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.failure("background task panic", fmt.Errorf("%v", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (e *Engine) count(d model.Decision) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.Decisions.WithLabelValues(string(d.Verdict)).Inc()
	}
}

func (e *Engine) failure(msg string, err error) {
	e.log.Error(msg, zap.Error(err))
	if e.opts.Metrics != nil {
		e.opts.Metrics.EvaluationFailures.Inc()
	}
}
