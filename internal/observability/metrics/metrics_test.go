package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestIngestMetricsExposeOutcomes(t *testing.T) {
	m := NewIngestMetrics("worker")
	m.StartDocument()
	m.FinishDocument(domain.StageUploaded, 10*time.Millisecond, 4, nil)
	m.StartDocument()
	m.FinishDocument(domain.StageDecoded, time.Millisecond, 0, errors.New("bad json"))
	m.StartDocument()
	m.SkipDocument()
	m.ObserveJobLag(2 * time.Second)

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`eda_ingest_document_total{service="worker",stage="uploaded",status="success"} 1`,
		`eda_ingest_document_total{service="worker",stage="decoded",status="error"} 1`,
		`eda_ingest_document_total{service="worker",stage="uploaded",status="skipped"} 1`,
		`eda_ingest_records_total{outcome="indexed",service="worker"} 4`,
		`eda_ingest_document_in_flight{service="worker"} 0`,
		`eda_ingest_job_lag_seconds_count{service="worker"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in\n%s", want, body)
		}
	}
}

func TestHTTPMetricsMiddlewareAndAnswers(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	h := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ingest/jobs/abc", nil))
	m.RecordAnswer("api", "semantic", 0, time.Millisecond, nil)
	m.RecordAnswer("api", "", 0, time.Millisecond, errors.New("x"))

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`eda_http_requests_total{method="GET",path="/v1/ingest/jobs/{job_id}",service="api",status="202"} 1`,
		`eda_answer_requests_total{mode="semantic",outcome="success",service="api"} 1`,
		`eda_answer_requests_total{mode="unknown",outcome="error",service="api"} 1`,
		`eda_answer_no_evidence_total{service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in\n%s", want, body)
		}
	}
}
