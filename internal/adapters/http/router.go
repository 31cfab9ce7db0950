package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
	"github.com/kirillkom/energy-data-assistant/internal/observability/metrics"
)

const maxRequestBodyBytes = 1 << 20

type Options struct {
	ServiceName      string
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration
}

type Router struct {
	answerer ports.Answerer
	jobs     ports.JobSubmitter
	metrics  *metrics.HTTPServerMetrics
	logger   *slog.Logger
	opts     Options
}

// NewRouter wires the answering API. jobs and httpMetrics may be nil; the
// matching endpoints are then not served.
func NewRouter(
	answerer ports.Answerer,
	jobs ports.JobSubmitter,
	httpMetrics *metrics.HTTPServerMetrics,
	logger *slog.Logger,
	opts Options,
) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "api"
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	return &Router{
		answerer: answerer,
		jobs:     jobs,
		metrics:  httpMetrics,
		logger:   logger,
		opts:     opts,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/ask", rt.ask)
	if rt.jobs != nil {
		api.HandleFunc("POST /v1/ingest/jobs", rt.submitJob)
		api.HandleFunc("GET /v1/ingest/jobs/{id}", rt.jobStatus)
	}

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.opts.MaxInFlight, rt.opts.BackpressureWait)
	guarded = rateLimitMiddleware(guarded, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
		handler = rt.metrics.Middleware(rt.opts.ServiceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type askRequest struct {
	Question  string                 `json:"question"`
	Overrides domain.AnswerOverrides `json:"overrides"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is required")))
		return
	}

	start := time.Now()
	answer, err := rt.answerer.Answer(r.Context(), req.Question, req.Overrides)
	if rt.metrics != nil {
		evidence := 0
		if answer != nil {
			evidence = len(answer.DataPoints)
		}
		rt.metrics.RecordAnswer(rt.opts.ServiceName, answerMode(req.Overrides), evidence, time.Since(start), err)
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func answerMode(o domain.AnswerOverrides) string {
	switch {
	case o.SemanticRanker && o.SemanticCaptions:
		return "semantic_captions"
	case o.SemanticRanker:
		return "semantic"
	default:
		return "simple"
	}
}

func (rt *Router) submitJob(w http.ResponseWriter, r *http.Request) {
	var req domain.ContainerRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	ticket, err := rt.jobs.Submit(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/ingest/jobs/"+ticket.ID)
	writeJSON(w, http.StatusAccepted, ticket)
}

func (rt *Router) jobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rt.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// decodeJSON accepts an empty body as the zero request.
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", err)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
