package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/download"
	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
)

type fakeNavigator struct {
	mu      sync.Mutex
	events  []model.NavigationEvent
	removed []int
}

func (f *fakeNavigator) HandleBeforeNavigate(_ context.Context, ev model.NavigationEvent) model.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if strings.Contains(ev.URL, "gambling.com") {
		return model.Decision{Verdict: model.VerdictBlockedPolicy, Reason: "gambling", Category: "gambling"}
	}
	return model.Allowed("no matching policy")
}

func (f *fakeNavigator) HandleTabRemoved(tabID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tabID)
}

func (f *fakeNavigator) Classify(rawURL string) model.Decision {
	return f.HandleBeforeNavigate(context.Background(), model.NavigationEvent{URL: rawURL})
}

type fakeDownloads struct{ created []model.DownloadItem }

func (f *fakeDownloads) Check(_ context.Context, item model.DownloadItem) download.Verdict {
	if strings.HasSuffix(item.Filename, ".exe") {
		return download.Verdict{Allowed: false, Reason: "policy", Checked: true}
	}
	return download.Verdict{Allowed: true, Checked: true}
}

func (f *fakeDownloads) HandleCreated(ctx context.Context, item model.DownloadItem) download.Verdict {
	f.created = append(f.created, item)
	return f.Check(ctx, item)
}

type fakeInteractions struct {
	mu      sync.Mutex
	events  []model.InteractionEvent
	logouts int
	order   *[]string
}

func (f *fakeInteractions) ReportInteraction(_ context.Context, ie model.InteractionEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ie)
	return true
}

func (f *fakeInteractions) ReportLogout(context.Context) {
	f.logouts++
	*f.order = append(*f.order, "report")
}

type fakeCreds struct {
	token string
	order *[]string
}

func (f *fakeCreds) Present() bool { return f.token != "" }

func (f *fakeCreds) Set(_ context.Context, token string) error {
	f.token = token
	return nil
}

func (f *fakeCreds) Clear(_ context.Context, reason string) error {
	if reason != credential.ReasonLogout {
		return errors.New("unexpected reason")
	}
	f.token = ""
	*f.order = append(*f.order, "clear")
	return nil
}

type fixture struct {
	nav   *fakeNavigator
	dl    *fakeDownloads
	inter *fakeInteractions
	creds *fakeCreds
	order []string
	srv   *Server
	ts    *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{nav: &fakeNavigator{}, dl: &fakeDownloads{}}
	f.inter = &fakeInteractions{order: &f.order}
	f.creds = &fakeCreds{token: token, order: &f.order}
	f.srv = New(Options{
		Shim:         NewShim(500*time.Millisecond, nil),
		Navigator:    f.nav,
		Downloads:    f.dl,
		Interactions: f.inter,
		Credentials:  f.creds,
		Metrics:      metrics.New(),
	})
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// attachShim connects a fake extension that answers commands with respond.
func (f *fixture) attachShim(t *testing.T, respond func(Command) Reply) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			rep := respond(cmd)
			if rep.ID == "" {
				continue
			}
			if err := conn.WriteJSON(rep); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.srv.Shim().Connected() {
		if time.Now().After(deadline) {
			t.Fatal("shim did not attach")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestShimCommandsRoundTrip(t *testing.T) {
	f := newFixture(t, "tok")
	var mu sync.Mutex
	var seen []Command
	f.attachShim(t, func(cmd Command) Reply {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		switch cmd.Type {
		case CmdGetTab, CmdActiveTab:
			return Reply{ID: cmd.ID, OK: true, Data: data(t, model.TabInfo{ID: 4, Title: "Docs", URL: "https://docs.example/", Active: true})}
		case CmdCountTabs:
			return Reply{ID: cmd.ID, OK: true, Data: data(t, map[string]int{"count": 7})}
		default:
			return Reply{ID: cmd.ID, OK: true}
		}
	})
	shim := f.srv.Shim()
	ctx := context.Background()

	tab, err := shim.Tab(ctx, 4)
	if err != nil || tab.Title != "Docs" || !tab.Active {
		t.Fatalf("Tab = %+v, %v", tab, err)
	}
	if n, err := shim.CountTabs(ctx); err != nil || n != 7 {
		t.Fatalf("CountTabs = %d, %v", n, err)
	}
	if err := shim.RedirectTab(ctx, 4, "blocked.html?url=x"); err != nil {
		t.Fatalf("RedirectTab: %v", err)
	}
	if err := shim.Notify(ctx, "Sitio Bloqueado", "msg"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("expected 4 commands, got %d", len(seen))
	}
	ids := map[string]bool{}
	for _, c := range seen {
		if ids[c.ID] {
			t.Errorf("duplicate command id %s", c.ID)
		}
		ids[c.ID] = true
	}
	params, _ := json.Marshal(seen[2].Params)
	if !strings.Contains(string(params), `"tab_id":4`) {
		t.Errorf("redirect params missing tab id: %s", params)
	}
}

func TestShimErrors(t *testing.T) {
	f := newFixture(t, "tok")
	shim := f.srv.Shim()
	ctx := context.Background()

	if err := shim.RedirectTab(ctx, 1, "x"); !errors.Is(err, host.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	f.attachShim(t, func(cmd Command) Reply {
		switch cmd.Type {
		case CmdGetTab:
			return Reply{ID: cmd.ID, Error: errNoTabReply}
		case CmdCancelDownload:
			return Reply{ID: cmd.ID, Error: "download finished"}
		default:
			return Reply{} // never answer
		}
	})

	if _, err := shim.Tab(ctx, 9); !errors.Is(err, host.ErrNoTab) {
		t.Errorf("expected ErrNoTab, got %v", err)
	}
	if err := shim.CancelDownload(ctx, 3); err == nil || !strings.Contains(err.Error(), "download finished") {
		t.Errorf("expected shim error, got %v", err)
	}
	start := time.Now()
	if _, err := shim.ActiveTab(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("command timeout not applied")
	}
}

func TestShimDetachFailsPending(t *testing.T) {
	shim := NewShim(5*time.Second, nil)
	ts := httptest.NewServer(http.HandlerFunc(shim.Serve))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	for !shim.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	go func() {
		var cmd Command
		conn.ReadJSON(&cmd)
		conn.Close()
	}()

	if _, err := shim.CountTabs(context.Background()); !errors.Is(err, host.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected after drop, got %v", err)
	}
}

func TestShimSupersededConnectionFailsPending(t *testing.T) {
	shim := NewShim(5*time.Second, nil)
	ts := httptest.NewServer(http.HandlerFunc(shim.Serve))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	for !shim.Connected() {
		time.Sleep(5 * time.Millisecond)
	}

	received := make(chan struct{})
	go func() {
		var cmd Command
		if first.ReadJSON(&cmd) == nil {
			close(received)
		}
	}()

	errc := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := shim.CountTabs(context.Background())
		errc <- err
	}()
	<-received

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, host.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("superseded command waited %v", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("command on superseded connection was not failed")
	}

	go func() {
		var cmd Command
		if second.ReadJSON(&cmd) == nil {
			second.WriteJSON(Reply{ID: cmd.ID, OK: true, Data: json.RawMessage(`{"count":2}`)})
		}
	}()
	n, err := shim.CountTabs(context.Background())
	if err != nil || n != 2 {
		t.Errorf("expected new connection to serve commands, got %d, %v", n, err)
	}
}

func TestNavigationRoute(t *testing.T) {
	f := newFixture(t, "tok")

	resp := f.do(t, http.MethodPost, "/v1/events/navigation", `{"tab_id":1,"frame_id":0,"url":"https://gambling.com/"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var d model.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Verdict != model.VerdictBlockedPolicy || d.Category != "gambling" {
		t.Errorf("unexpected decision %+v", d)
	}
	if len(f.nav.events) != 1 || f.nav.events[0].Timestamp.IsZero() {
		t.Error("expected event forwarded with a timestamp")
	}

	if resp := f.do(t, http.MethodPost, "/v1/events/navigation", `{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestDownloadRoutes(t *testing.T) {
	f := newFixture(t, "tok")

	resp := f.do(t, http.MethodPost, "/v1/downloads/check", `{"url":"https://x.example/a.exe","filename":"a.exe"}`)
	var v download.Verdict
	json.NewDecoder(resp.Body).Decode(&v)
	if v.Allowed || v.Reason != "policy" {
		t.Errorf("expected denial, got %+v", v)
	}
	if len(f.dl.created) != 0 {
		t.Error("check must not be treated as a created download")
	}

	resp = f.do(t, http.MethodPost, "/v1/events/download", `{"id":5,"url":"https://x.example/a.pdf","filename":"a.pdf"}`)
	json.NewDecoder(resp.Body).Decode(&v)
	if !v.Allowed || len(f.dl.created) != 1 || f.dl.created[0].ID != 5 {
		t.Errorf("unexpected created handling %+v %+v", v, f.dl.created)
	}
}

func TestInteractionRoute(t *testing.T) {
	f := newFixture(t, "tok")
	resp := f.do(t, http.MethodPost, "/v1/events/interaction", `{"tipo_evento":"paste","url_origen":"https://a.example/","tab_id":3}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	f.srv.Wait()
	if len(f.inter.events) != 1 || f.inter.events[0].Kind != model.InteractionPaste {
		t.Errorf("unexpected interactions %+v", f.inter.events)
	}

	f.creds.token = ""
	f.do(t, http.MethodPost, "/v1/events/interaction", `{"tipo_evento":"click","tab_id":3}`)
	f.srv.Wait()
	if len(f.inter.events) != 1 {
		t.Error("interaction without credential must be ignored")
	}
}

func TestTabRemovedRoute(t *testing.T) {
	f := newFixture(t, "tok")
	resp := f.do(t, http.MethodPost, "/v1/events/tab-removed", `{"tab_id":12}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(f.nav.removed) != 1 || f.nav.removed[0] != 12 {
		t.Errorf("unexpected removals %v", f.nav.removed)
	}
}

func TestCredentialRoutes(t *testing.T) {
	f := newFixture(t, "")

	if resp := f.do(t, http.MethodPut, "/v1/credential", `{"token":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty token, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPut, "/v1/credential", `{"token":"jwt"}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if f.creds.token != "jwt" {
		t.Fatal("expected token stored")
	}

	if resp := f.do(t, http.MethodDelete, "/v1/credential", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if f.creds.token != "" {
		t.Error("expected token cleared")
	}
	if strings.Join(f.order, ",") != "report,clear" {
		t.Errorf("logout must be reported before clearing, got %v", f.order)
	}
}

func TestStatusAndLookup(t *testing.T) {
	f := newFixture(t, "tok")

	resp := f.do(t, http.MethodGet, "/v1/status", "")
	var st model.AgentStatus
	json.NewDecoder(resp.Body).Decode(&st)
	if !st.Authenticated || st.ShimConnected {
		t.Errorf("unexpected status %+v", st)
	}

	if resp := f.do(t, http.MethodGet, "/v1/lookup", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without url, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/v1/lookup?url=https%3A%2F%2Fgambling.com%2F", "")
	var d model.Decision
	json.NewDecoder(resp.Body).Decode(&d)
	if !d.Verdict.Blocked() {
		t.Errorf("expected blocked lookup, got %+v", d)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, "tok")
	resp := f.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "athos_tracked_tabs") {
		t.Errorf("metrics not exposed: %d", resp.StatusCode)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFixture(t, "tok")
	f.srv.router.GET("/boom", func(*gin.Context) { panic("boom") })
	resp := f.do(t, http.MethodGet, "/boom", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	srv := New(Options{
		Navigator:   &fakeNavigator{},
		Credentials: &fakeCreds{},
		RateLimit:   RateLimitConfig{RequestsPerSecond: 1, Burst: 2},
	})
	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/lookup?url=https://a.example/", nil)
		srv.Handler().ServeHTTP(w, req)
		codes[w.Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Errorf("expected throttled requests, got %v", codes)
	}
}
