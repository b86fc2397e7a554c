package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/geo"
	"github.com/getathos/athos-agent/internal/host/hosttest"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/notify"
)

type fakeCreds struct {
	mu          sync.Mutex
	token       string
	gen         uint64
	invalidated bool
}

func (f *fakeCreds) Snapshot() (string, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.gen
}

func (f *fakeCreds) InvalidateIf(_ context.Context, gen uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || f.token == "" {
		return false, nil
	}
	f.token = ""
	f.gen++
	f.invalidated = true
	return true, nil
}

type fakeBackend struct {
	mu     sync.Mutex
	events []model.AuditEvent
	result *api.LogResult
	err    error
}

func (f *fakeBackend) LogEvent(_ context.Context, token string, ev model.AuditEvent) (*api.LogResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &api.LogResult{Success: true}, nil
}

func (f *fakeBackend) sent() []model.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuditEvent(nil), f.events...)
}

type fakeTrail struct {
	mu        sync.Mutex
	delivered []bool
}

func (f *fakeTrail) RecordEvent(_ model.AuditEvent, delivered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, delivered)
	return nil
}

type fakeMirror struct{ n int }

func (f *fakeMirror) Publish(model.AuditEvent) { f.n++ }

type fixedSessions map[int]time.Duration

func (s fixedSessions) Elapsed(tabID int) (time.Duration, bool) {
	d, ok := s[tabID]
	return d, ok
}

type fixedLocator geo.Result

func (l fixedLocator) Lookup(context.Context) geo.Result { return geo.Result(l) }

type recordingNotifier struct{ kinds []notify.Kind }

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) bool {
	r.kinds = append(r.kinds, n.Kind)
	return true
}

type fixture struct {
	creds    *fakeCreds
	backend  *fakeBackend
	host     *hosttest.Host
	trail    *fakeTrail
	mirror   *fakeMirror
	notifier *recordingNotifier
	reporter *Reporter
}

func newFixture(token string) *fixture {
	f := &fixture{
		creds:    &fakeCreds{token: token, gen: 1},
		backend:  &fakeBackend{},
		host:     hosttest.New(),
		trail:    &fakeTrail{},
		mirror:   &fakeMirror{},
		notifier: &recordingNotifier{},
	}
	f.host.SetTab(model.TabInfo{ID: 4, Title: "Casino", URL: "https://casino.example/", Active: true})
	f.host.SetTab(model.TabInfo{ID: 5, Title: "News", URL: "https://news.example/"})
	f.reporter = New(Options{
		Backend:          f.backend,
		Credentials:      f.creds,
		Host:             f.host,
		Sessions:         fixedSessions{4: 95 * time.Second},
		Locator:          fixedLocator{IP: "203.0.113.7", Location: &model.Geolocation{Country: "Colombia"}},
		Trail:            f.trail,
		Mirror:           f.mirror,
		Notifier:         f.notifier,
		Metrics:          metrics.New(),
		UserAgent:        "athos-agent/test",
		InteractionRate:  1,
		InteractionBurst: 2,
	})
	return f
}

func TestReportNoCredentialIsNoop(t *testing.T) {
	f := newFixture("")
	res, err := f.reporter.Report(context.Background(), Report{URL: "https://a.example/", Action: model.ActionVisited})
	if res != nil || err != nil {
		t.Fatalf("expected nil,nil got %v,%v", res, err)
	}
	if len(f.backend.sent()) != 0 || len(f.trail.delivered) != 0 {
		t.Error("expected no network call and no trail entry")
	}
}

func TestReportEnrichesEvent(t *testing.T) {
	f := newFixture("tok")
	_, err := f.reporter.Report(context.Background(), Report{
		URL:       "https://casino.example/play",
		Action:    model.ActionVisited,
		EventType: model.EventNavigation,
		TabID:     4,
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	sent := f.backend.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sent))
	}
	ev := sent[0]
	if ev.EventID == "" {
		t.Error("expected event id")
	}
	if ev.Domain != "casino.example" || ev.TabTitle != "Casino" || !ev.TabFocused {
		t.Errorf("unexpected tab enrichment %+v", ev)
	}
	if ev.OpenTabs != 2 || ev.TimeOnPage != 95 {
		t.Errorf("expected 2 tabs and 95s, got %d and %d", ev.OpenTabs, ev.TimeOnPage)
	}
	if ev.IP != "203.0.113.7" || ev.Geolocation == nil || ev.Geolocation.Country != "Colombia" {
		t.Errorf("unexpected geo %+v %+v", ev.IP, ev.Geolocation)
	}
	if ev.UserAgent != "athos-agent/test" {
		t.Errorf("unexpected user agent %q", ev.UserAgent)
	}
	if _, err := time.Parse(model.TimestampFormat, ev.Timestamp); err != nil {
		t.Errorf("bad timestamp %q: %v", ev.Timestamp, err)
	}
	if len(f.trail.delivered) != 1 || !f.trail.delivered[0] || f.mirror.n != 1 {
		t.Error("expected delivered trail entry and mirror publish")
	}
}

func TestReportUsesActiveTabWhenUnset(t *testing.T) {
	f := newFixture("tok")
	f.reporter.Report(context.Background(), Report{URL: "https://x.example/", Action: model.ActionDownloadStarted, EventType: model.EventDownload})
	ev := f.backend.sent()[0]
	if ev.TabTitle != "Casino" || ev.TimeOnPage != 95 {
		t.Errorf("expected active tab enrichment, got %+v", ev)
	}
	if ev.RiskScore != 30 {
		t.Errorf("expected download risk 30, got %d", ev.RiskScore)
	}
}

func TestReportFailureSwallowedButRecorded(t *testing.T) {
	f := newFixture("tok")
	f.backend.err = errors.New("connection refused")

	res, err := f.reporter.Report(context.Background(), Report{URL: "https://a.example/", Action: model.ActionVisited})
	if err == nil || res != nil {
		t.Fatalf("expected error result, got %v,%v", res, err)
	}
	if len(f.trail.delivered) != 1 || f.trail.delivered[0] {
		t.Error("expected undelivered trail entry")
	}
	if f.creds.invalidated {
		t.Error("network failure must not clear credential")
	}
}

func TestReportUnauthorizedInvalidates(t *testing.T) {
	f := newFixture("tok")
	f.backend.err = api.ErrUnauthorized
	f.reporter.Report(context.Background(), Report{URL: "https://a.example/", Action: model.ActionVisited})
	if !f.creds.invalidated {
		t.Error("expected credential invalidated on 401")
	}
	if len(f.notifier.kinds) != 1 || f.notifier.kinds[0] != notify.KindSessionExpired {
		t.Errorf("expected session_expired notice, got %v", f.notifier.kinds)
	}
}

func TestReportReturnsRetroBlock(t *testing.T) {
	f := newFixture("tok")
	f.backend.result = &api.LogResult{Success: true, Blocked: true, Reason: "prohibited_list", Category: "gambling"}
	res, err := f.reporter.Report(context.Background(), Report{URL: "https://casino.example/", Action: model.ActionVisited})
	if err != nil || res == nil || !res.Blocked {
		t.Fatalf("expected retro block, got %+v, %v", res, err)
	}
}

func TestReportInteractionThrottledPerTab(t *testing.T) {
	f := newFixture("tok")
	ie := model.InteractionEvent{Kind: model.InteractionCopy, SourceURL: "https://news.example/", TabID: 5}

	accepted := 0
	for i := 0; i < 5; i++ {
		if f.reporter.ReportInteraction(context.Background(), ie) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("expected burst of 2 accepted, got %d", accepted)
	}

	other := ie
	other.TabID = 4
	if !f.reporter.ReportInteraction(context.Background(), other) {
		t.Error("throttle must be per tab")
	}
}

func TestReportInteractionDetailsAndScore(t *testing.T) {
	f := newFixture("tok")
	f.reporter.ReportInteraction(context.Background(), model.InteractionEvent{
		Kind:      model.InteractionFileUpload,
		FileName:  "clients.xlsx",
		SourceURL: "https://drive.example/upload",
		TabID:     5,
	})
	ev := f.backend.sent()[0]
	if ev.Action != model.ActionInteraction || ev.EventType != model.EventUserInteraction {
		t.Errorf("unexpected action/type %s/%s", ev.Action, ev.EventType)
	}
	if ev.EventDetails[DetailKind] != "file_upload" || ev.EventDetails[DetailFileName] != "clients.xlsx" {
		t.Errorf("unexpected details %v", ev.EventDetails)
	}
	if ev.RiskScore != 45 {
		t.Errorf("expected 35+10=45, got %d", ev.RiskScore)
	}
}

func TestReportFormSubmit(t *testing.T) {
	f := newFixture("tok")
	f.reporter.ReportInteraction(context.Background(), model.InteractionEvent{
		Kind:            model.InteractionFormSubmit,
		SourceURL:       "https://bank.example/login",
		TabID:           5,
		HasPassword:     true,
		SensitiveFields: []string{"card"},
	})
	ev := f.backend.sent()[0]
	if ev.Action != model.ActionFormSubmitted || ev.EventType != model.EventFormSubmit {
		t.Errorf("unexpected action/type %s/%s", ev.Action, ev.EventType)
	}
	if ev.RiskScore != 45 {
		t.Errorf("expected 20+15+10=45, got %d", ev.RiskScore)
	}
}

func TestReportTimeOnPage(t *testing.T) {
	f := newFixture("tok")
	f.reporter.ReportTimeOnPage(context.Background(), 5, 300*time.Second)
	ev := f.backend.sent()[0]
	if ev.Action != model.ActionTimeOnPage || ev.Domain != "news.example" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.EventDetails["elapsed_seconds"] != int64(300) {
		t.Errorf("unexpected elapsed detail %v", ev.EventDetails["elapsed_seconds"])
	}

	f.reporter.ReportTimeOnPage(context.Background(), 99, time.Minute)
	if len(f.backend.sent()) != 1 {
		t.Error("closed tab must not report")
	}
}

func TestReportLogout(t *testing.T) {
	f := newFixture("tok")
	f.reporter.ReportLogout(context.Background())
	ev := f.backend.sent()[0]
	if ev.Action != model.ActionLogout || ev.EventType != model.EventSession {
		t.Errorf("unexpected logout event %+v", ev)
	}
}
