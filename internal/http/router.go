// Package http exposes the transcription pipeline as a JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/schema"
	"kaldi-serve/internal/store"
)

// maxBodyBytes bounds request bodies. Audio is referenced by URI, never inlined.
const maxBodyBytes = 1 << 20

// Service is the pipeline surface served over HTTP. *pipeline.Coordinator satisfies it.
type Service interface {
	Run(ctx context.Context, req models.JobRequest) (models.Response, error)
	Enqueue(ctx context.Context, req models.JobRequest) (*models.JobState, error)
	Get(ctx context.Context, id string) (*models.JobState, error)
}

// OperationStatus is the body returned when a job is accepted.
type OperationStatus struct {
	OperationName string           `json:"operation_name"`
	Status        models.JobStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

type handler struct {
	svc       Service
	syncReqs  *schema.Validator
	asyncReqs *schema.Validator
}

// NewRouter constructs the HTTP router for the service. ready reports
// whether the process can take traffic; nil means always ready. When hub
// is set, completion notifications are streamed on /v1/events.
func NewRouter(svc Service, ready func() bool, hub *Hub) http.Handler {
	h := &handler{
		svc:       svc,
		syncReqs:  schema.New(false),
		asyncReqs: schema.New(true),
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if hub != nil {
		r.Get("/v1/events", hub.ServeHTTP)
	}

	r.Post("/run-asr", h.runASR)
	r.Post("/run-asr/", h.runASR)

	// API routes
	r.Route("/v1/operations", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Get("/{name}", h.get)
	})

	return r
}

func (h *handler) runASR(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r, h.syncReqs)
	if !ok {
		return
	}

	resp, err := h.svc.Run(r.Context(), req)
	switch {
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		logger := logging.WithJob("http", req.OperationName)
		logger.Error().Err(err).Msg("Run failed")
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r, h.asyncReqs)
	if !ok {
		return
	}

	st, err := h.svc.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "operation " + req.OperationName + " already exists"})
	case err != nil && st != nil:
		// Accepted but not dispatched: the FAILED state is already visible to pollers.
		writeJSON(w, http.StatusServiceUnavailable, statusOf(st))
	case err != nil:
		logger := logging.WithJob("http", req.OperationName)
		logger.Error().Err(err).Msg("Enqueue failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		w.Header().Set("Location", "/v1/operations/"+st.OperationName)
		writeJSON(w, http.StatusAccepted, statusOf(st))
	}
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := h.svc.Get(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "operation " + name + " not found"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func statusOf(st *models.JobState) OperationStatus {
	return OperationStatus{OperationName: st.OperationName, Status: st.Status, Error: st.Error}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v *schema.Validator) (models.JobRequest, bool) {
	var req models.JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return req, false
	}
	if err := v.Validate(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.WithComponent("http")
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := logging.WithComponent("http")
		logger.Debug().
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}
