package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Bar("INFY", time.Now())
	m.Intent("momentum", "BUY")
	m.Rejection("no_change")
	m.Circuit("broker", "OPEN")
	m.Portfolio(1, 1, 1)
	if m.Registry() != nil || m.Health() != nil {
		t.Error("nil metrics should expose nothing")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Bar("INFY", time.Now())
	m.Bar("INFY", time.Now())
	m.Rejection("insufficient_cash")
	m.OrderFinished("FILLED")
	m.Portfolio(10500, 5000, 1)

	if v := testutil.ToFloat64(m.BarsTotal.WithLabelValues("INFY")); v != 2 {
		t.Errorf("bars = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("insufficient_cash")); v != 1 {
		t.Errorf("rejections = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Equity); v != 10500 {
		t.Errorf("equity = %v", v)
	}
}

func TestServerEndpoints(t *testing.T) {
	m := New()
	m.Intent("momentum", "BUY")
	m.Circuit("broker", "OPEN")
	srv := NewServer(":0", m, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `rsitrader_intents_total{side="BUY",strategy="momentum"} 1`) {
		t.Errorf("metrics output missing intent counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("open circuit should degrade health, got %d", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Circuits map[string]string `json:"circuits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Circuits["broker"] != "OPEN" {
		t.Errorf("health = %+v", body)
	}
}
