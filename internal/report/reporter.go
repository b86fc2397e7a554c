// Package report assembles audit events, scores them, and delivers them to
// the collector. Delivery failures are logged and swallowed; they never
// fail the action that triggered the report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/geo"
	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/notify"
)

// Backend is the remote collector.
type Backend interface {
	LogEvent(ctx context.Context, token string, event model.AuditEvent) (*api.LogResult, error)
}

// Credentials is the part of the credential store the reporter needs.
type Credentials interface {
	Snapshot() (string, uint64)
	InvalidateIf(ctx context.Context, gen uint64) (bool, error)
}

// Sessions exposes tab elapsed time.
type Sessions interface {
	Elapsed(tabID int) (time.Duration, bool)
}

// Locator resolves public network location.
type Locator interface {
	Lookup(ctx context.Context) geo.Result
}

// Trail records every assembled event locally.
type Trail interface {
	RecordEvent(ev model.AuditEvent, delivered bool) error
}

// Mirror copies events to a secondary sink.
type Mirror interface {
	Publish(ev model.AuditEvent)
}

// Notifier shows user-facing notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) bool
}

// Options configures a Reporter. Only Backend, Credentials and Host are
// required.
type Options struct {
	Backend          Backend
	Credentials      Credentials
	Host             host.Host
	Sessions         Sessions
	Locator          Locator
	Trail            Trail
	Mirror           Mirror
	Notifier         Notifier
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	UserAgent        string
	InteractionRate  float64
	InteractionBurst int
}

// Report is one action to record.
type Report struct {
	URL       string
	Action    model.Action
	EventType model.EventType
	// TabID is the originating tab; zero means use the active tab.
	TabID      int
	Details    map[string]any
	PolicyInfo *model.PolicyInfo
}

// Reporter builds and sends audit events.
type Reporter struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

// New creates a Reporter.
func New(opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Host == nil {
		opts.Host = host.Nop{}
	}
	if opts.InteractionRate <= 0 {
		opts.InteractionRate = 2
	}
	if opts.InteractionBurst <= 0 {
		opts.InteractionBurst = 10
	}
	return &Reporter{
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Report assembles and sends one event. It returns (nil, nil) without any
// network call when no credential is present. A non-nil error means the
// collector round-trip failed; the event is still recorded locally.
func (r *Reporter) Report(ctx context.Context, rep Report) (*api.LogResult, error) {
	token, gen := r.opts.Credentials.Snapshot()
	if token == "" {
		return nil, nil
	}

	ev := r.assemble(ctx, rep)
	res, err := r.opts.Backend.LogEvent(ctx, token, ev)

	result := "sent"
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		result = "unauthorized"
		r.invalidate(ctx, gen)
	case err != nil:
		result = "failed"
	}
	if err != nil {
		r.log.Warn("audit event not delivered",
			zap.String("action", string(ev.Action)),
			zap.String("domain", ev.Domain),
			zap.Error(err))
	}

	r.persist(ev, err == nil)
	if r.opts.Metrics != nil {
		r.opts.Metrics.Reports.WithLabelValues(string(ev.EventType), result).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", ev.Action, err)
	}
	return res, nil
}

// ReportInteraction records a content-script interaction, subject to the
// per-tab throttle. Returns false when the event was dropped.
func (r *Reporter) ReportInteraction(ctx context.Context, ie model.InteractionEvent) bool {
	if token, _ := r.opts.Credentials.Snapshot(); token == "" {
		return false
	}
	if !r.limiter(ie.TabID).Allow() {
		if r.opts.Metrics != nil {
			r.opts.Metrics.DroppedInteractions.Inc()
		}
		return false
	}

	action, eventType := model.ActionInteraction, model.EventUserInteraction
	if ie.Kind == model.InteractionFormSubmit {
		action, eventType = model.ActionFormSubmitted, model.EventFormSubmit
	}

	r.Report(ctx, Report{
		URL:       ie.SourceURL,
		Action:    action,
		EventType: eventType,
		TabID:     ie.TabID,
		Details:   interactionDetails(ie),
	})
	return true
}

// ReportTimeOnPage emits the periodic time-on-page event for a tab.
func (r *Reporter) ReportTimeOnPage(ctx context.Context, tabID int, elapsed time.Duration) {
	tab, err := r.opts.Host.Tab(ctx, tabID)
	if err != nil || !model.IsWebURL(tab.URL) {
		return
	}
	r.Report(ctx, Report{
		URL:       tab.URL,
		Action:    model.ActionTimeOnPage,
		EventType: model.EventTimeOnPage,
		TabID:     tabID,
		Details:   map[string]any{"elapsed_seconds": int64(elapsed / time.Second)},
	})
}

// ReportLogout emits a session event. Call before clearing the credential.
func (r *Reporter) ReportLogout(ctx context.Context) {
	r.Report(ctx, Report{
		Action:    model.ActionLogout,
		EventType: model.EventSession,
		Details:   map[string]any{"reason": "user_logout"},
	})
}

// ForgetTab drops per-tab throttle state.
func (r *Reporter) ForgetTab(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, tabID)
}

func (r *Reporter) assemble(ctx context.Context, rep Report) model.AuditEvent {
	ev := model.AuditEvent{
		EventID:      uuid.NewString(),
		URL:          rep.URL,
		Action:       rep.Action,
		Timestamp:    model.FormatTimestamp(r.now()),
		UserAgent:    r.opts.UserAgent,
		EventType:    rep.EventType,
		EventDetails: rep.Details,
		RiskScore:    Score(rep.EventType, rep.Details),
		PolicyInfo:   rep.PolicyInfo,
	}
	if h, err := model.Hostname(rep.URL); err == nil {
		ev.Domain = h
	}

	if r.opts.Locator != nil {
		loc := r.opts.Locator.Lookup(ctx)
		ev.IP = loc.IP
		ev.Geolocation = loc.Location
	}

	tabID := rep.TabID
	var tab model.TabInfo
	var err error
	if tabID > 0 {
		tab, err = r.opts.Host.Tab(ctx, tabID)
	} else {
		tab, err = r.opts.Host.ActiveTab(ctx)
		tabID = tab.ID
	}
	if err == nil {
		ev.TabTitle = tab.Title
		ev.TabFocused = tab.Active
	}
	if n, err := r.opts.Host.CountTabs(ctx); err == nil {
		ev.OpenTabs = n
	}
	if r.opts.Sessions != nil && tabID > 0 {
		if d, ok := r.opts.Sessions.Elapsed(tabID); ok {
			ev.TimeOnPage = int64(d / time.Second)
		}
	}
	return ev
}

func (r *Reporter) persist(ev model.AuditEvent, delivered bool) {
	if r.opts.Trail != nil {
		if err := r.opts.Trail.RecordEvent(ev, delivered); err != nil {
			r.log.Error("audit trail write failed", zap.Error(err))
		}
	}
	if r.opts.Mirror != nil {
		r.opts.Mirror.Publish(ev)
	}
}

func (r *Reporter) invalidate(ctx context.Context, gen uint64) {
	cleared, err := r.opts.Credentials.InvalidateIf(ctx, gen)
	if err != nil {
		r.log.Error("invalidate credential", zap.Error(err))
		return
	}
	if cleared && r.opts.Notifier != nil {
		r.opts.Notifier.Send(ctx, notify.SessionExpired())
	}
}

func (r *Reporter) limiter(tabID int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tabID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.opts.InteractionRate), r.opts.InteractionBurst)
		r.limiters[tabID] = l
	}
	return l
}

// interactionDetails renders ie in its wire form as the event_details map.
func interactionDetails(ie model.InteractionEvent) map[string]any {
	data, err := json.Marshal(ie)
	if err != nil {
		return map[string]any{DetailKind: string(ie.Kind)}
	}
	details := make(map[string]any)
	if err := json.Unmarshal(data, &details); err != nil {
		return map[string]any{DetailKind: string(ie.Kind)}
	}
	return details
}
