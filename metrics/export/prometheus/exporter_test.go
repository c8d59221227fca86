package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrEthical07/authcore"
)

type fakeSource struct {
	snapshot authcore.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() authcore.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCollectorExposesCountersAndHistogram(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricSignInSuccess: 7,
			},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := scrape(t, c)
	for _, want := range []string{
		"authcore_sign_in_success_total 7",
		`authcore_validate_latency_seconds_bucket{le="0.005"} 1`,
		`authcore_validate_latency_seconds_bucket{le="+Inf"} 36`,
		"authcore_validate_latency_seconds_count 36",
		"authcore_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestCollectorSkipsMissingHistogram(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})

	out := scrape(t, c)
	if strings.Contains(out, "authcore_validate_latency_seconds_bucket") {
		t.Fatalf("histogram should be absent when latency is disabled, got:\n%s", out)
	}
	if !strings.Contains(out, "authcore_permission_denied_total 0") {
		t.Fatalf("expected zero-valued counters, got:\n%s", out)
	}
}

func TestCollectorRegistersWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorFromSource(fakeSource{snapshot: authcore.MetricsSnapshot{}})
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected metric families")
	}
}
