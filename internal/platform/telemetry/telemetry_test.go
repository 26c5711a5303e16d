package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveAnchor(t *testing.T) {
	m := NewMetrics()
	m.ObserveAnchor("local", "ok", 5*time.Millisecond)
	m.ObserveAnchor("local", "ok", 5*time.Millisecond)
	m.ObserveAnchor("ledger", "unavailable", time.Second)

	if got := testutil.ToFloat64(m.anchorTotal.WithLabelValues("local", "ok")); got != 2 {
		t.Errorf("expected 2 local ok anchors, got %v", got)
	}
	if got := testutil.ToFloat64(m.anchorTotal.WithLabelValues("ledger", "unavailable")); got != 1 {
		t.Errorf("expected 1 ledger unavailable anchor, got %v", got)
	}
	if n := testutil.CollectAndCount(m.anchorDuration); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestMetrics_ObserveVerify(t *testing.T) {
	m := NewMetrics()
	m.ObserveVerify("none", "not_found", time.Millisecond)

	if got := testutil.ToFloat64(m.verifyTotal.WithLabelValues("none", "not_found")); got != 1 {
		t.Errorf("expected 1 verify, got %v", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	m := NewMetrics()
	m.ObserveAnchor("local", "ok", time.Millisecond)
	m.ObserveVerify("local", "ok", time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}
	want := map[string]bool{
		MetricAnchorTotal:          false,
		MetricAnchorDuration:       false,
		MetricVerifyTotal:          false,
		MetricVerifyDuration:       false,
		MetricHTTPRequestsInFlight: false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %s not found in gathered metrics", name)
		}
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/records/local_abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/records/:receiptId")

	h := m.Middleware()(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "receipt not found")
	})
	if err := h(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/records/:receiptId", "404")); got != 1 {
		t.Errorf("expected 1 request counted under route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpInFlight); got != 0 {
		t.Errorf("expected in-flight gauge back to 0, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveAnchor("local", "ok", time.Millisecond)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `anchor_operations_total{backend="local",outcome="ok"} 1`) {
		t.Errorf("expected anchor counter in exposition, got:\n%s", rec.Body.String())
	}
}
