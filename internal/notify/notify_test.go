package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingDisplay struct {
	mu     sync.Mutex
	titles []string
	msgs   []string
}

func (r *recordingDisplay) Notify(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.msgs = append(r.msgs, message)
	return nil
}

func (r *recordingDisplay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestSiteBlockedNamesDomain(t *testing.T) {
	n := SiteBlocked("casino.example", "gambling")
	if n.Title != "Sitio Bloqueado" {
		t.Errorf("unexpected title %q", n.Title)
	}
	if !strings.Contains(n.Message, "casino.example") {
		t.Errorf("expected message to name domain, got %q", n.Message)
	}
	if n.Kind.Failure() {
		t.Error("block notices must not be throttled")
	}
}

func TestCenterThrottlesFailureKinds(t *testing.T) {
	disp := &recordingDisplay{}
	c := NewCenter(disp, nil, time.Hour, nil)

	if !c.Send(context.Background(), ConnectivityError()) {
		t.Fatal("first connectivity error should be delivered")
	}
	if c.Send(context.Background(), ConnectivityError()) {
		t.Error("second connectivity error within interval should be suppressed")
	}
	if !c.Send(context.Background(), ConfigurationError("")) {
		t.Error("a different failure kind has its own throttle")
	}
	if disp.count() != 2 {
		t.Errorf("expected 2 displayed, got %d", disp.count())
	}
}

func TestCenterNeverThrottlesBlocks(t *testing.T) {
	disp := &recordingDisplay{}
	c := NewCenter(disp, nil, time.Hour, nil)

	for i := 0; i < 3; i++ {
		if !c.Send(context.Background(), SiteBlocked("a.example", "")) {
			t.Fatalf("block notice %d suppressed", i)
		}
	}
	if disp.count() != 3 {
		t.Errorf("expected 3 displayed, got %d", disp.count())
	}
}

func TestCenterZeroIntervalDisablesThrottle(t *testing.T) {
	disp := &recordingDisplay{}
	c := NewCenter(disp, nil, 0, nil)
	c.Send(context.Background(), SessionExpired())
	c.Send(context.Background(), SessionExpired())
	if disp.count() != 2 {
		t.Errorf("expected 2 displayed, got %d", disp.count())
	}
}

func TestDispatchMatchesKinds(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]WebhookConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"site_blocked"}},
	}, nil)

	d.Dispatch(SiteBlocked("a.example", ""))
	d.Dispatch(ConnectivityError())
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchEmptyEventsMatchesAll(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher([]WebhookConfig{{URL: srv.URL}}, nil)
	d.Dispatch(SiteBlocked("a.example", ""))
	d.Dispatch(SessionExpired())
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", called.Load())
	}
}

func TestNewDispatcherNilForEmpty(t *testing.T) {
	if NewDispatcher(nil, nil) != nil {
		t.Error("expected nil dispatcher for empty config")
	}
}

func TestSendRetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := WebhookConfig{URL: srv.URL}
	d := NewDispatcher([]WebhookConfig{cfg}, nil)
	if err := d.Send(context.Background(), cfg, SessionExpired()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestSendDoesNotRetry4xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := WebhookConfig{URL: srv.URL}
	d := NewDispatcher([]WebhookConfig{cfg}, nil)
	if err := d.Send(context.Background(), cfg, SessionExpired()); err == nil {
		t.Fatal("expected error for 400")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestSendCustomHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Token")
	}))
	defer srv.Close()

	cfg := WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}
	d := NewDispatcher([]WebhookConfig{cfg}, nil)
	if err := d.Send(context.Background(), cfg, SessionExpired()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "abc" {
		t.Errorf("expected header abc, got %q", got)
	}
}

func TestFormatSlack(t *testing.T) {
	body, err := FormatPayload("slack", SiteBlocked("casino.example", "gambling"))
	if err != nil {
		t.Fatalf("FormatPayload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	blocks, ok := payload["blocks"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected 2 slack blocks, got %v", payload["blocks"])
	}
	if !strings.Contains(string(body), "casino.example") {
		t.Error("expected domain in slack payload")
	}
}

func TestFormatGeneric(t *testing.T) {
	body, err := FormatPayload("generic", DownloadBlocked("x.exe", "executable"))
	if err != nil {
		t.Fatalf("FormatPayload: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Kind != KindDownloadBlocked {
		t.Errorf("expected download_blocked, got %s", n.Kind)
	}
}
