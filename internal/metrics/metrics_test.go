package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.Decisions.WithLabelValues("allow").Inc()
	b.Decisions.WithLabelValues("allow").Add(2)

	families, err := a.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "athos_navigation_decisions_total" {
			continue
		}
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
			t.Errorf("expected 1 on first registry, got %v", got)
		}
		return
	}
	t.Fatal("decision counter not gathered")
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TrackedTabs.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "athos_tracked_tabs 3") {
		t.Errorf("expected tracked tabs gauge in output, got:\n%s", body)
	}
}
