package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionCreated(time.Second)
	m.SessionTerminated("kill")
	m.FSOp("read", errors.New("x"))
	m.Throttled()
	if New(nil) != nil {
		t.Error("New(nil) should return nil")
	}
}

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionCreated(300 * time.Millisecond)
	m.SessionCreated(time.Second)
	m.SessionTerminated("idle")

	body := scrape(m)
	for _, want := range []string{
		"devspace_sessions_active 1",
		`devspace_sessions_terminated_total{reason="idle"} 1`,
		"devspace_sessions_created_total 2",
		"devspace_sandbox_provision_duration_seconds_count 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestHandlerExposes(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FSOp("write", nil)

	if body := scrape(m); !strings.Contains(body, `devspace_fs_operations_total{op="write",outcome="ok"} 1`) {
		t.Errorf("body missing fs counter:\n%s", body)
	}
}

func scrape(m *Metrics) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}
