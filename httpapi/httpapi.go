// Package httpapi exposes the extraction orchestration layer over HTTP:
// submission, polling and revocation, plus a health probe.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hazyhaar/extraq/gateway"
	"github.com/hazyhaar/extraq/shield"
	"github.com/hazyhaar/extraq/task"
)

// MaxPasses caps per-task extraction passes.
const MaxPasses = 5

// Options configures the API server.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server carries the handlers for the extraction API.
type Server struct {
	gw     *gateway.Gateway
	log    *slog.Logger
	schema *jsonschema.Schema
}

// New builds a Server around the gateway.
func New(gw *gateway.Gateway, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{gw: gw, log: opts.Logger, schema: mustCompileConfigSchema()}
}

// Routes mounts the API onto a fresh chi router. Middlewares are applied in
// the order given, outermost first.
func (s *Server) Routes(mws ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range mws {
		r.Use(mw)
	}
	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", s.handleSubmit)
		r.Get("/tasks/{id}", s.handlePoll)
		r.Delete("/tasks/{id}", s.handleRevoke)
	})
	return r
}

type extractRequest struct {
	DocumentURL      string          `json:"document_url,omitempty"`
	RawText          string          `json:"raw_text,omitempty"`
	Provider         string          `json:"provider"`
	Passes           int             `json:"passes,omitempty"`
	ExtractionConfig json.RawMessage `json:"extraction_config,omitempty"`
	Callback         *task.Callback  `json:"callback,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// handleSubmit accepts a new extraction task.
// POST /v1/extract
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())

	var req extractRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Passes < 0 || req.Passes > MaxPasses {
		writeError(w, http.StatusBadRequest, "passes must be between 1 and 5")
		return
	}

	var spec task.ExtractionSpec
	if len(req.ExtractionConfig) > 0 {
		var v any
		if err := json.Unmarshal(req.ExtractionConfig, &v); err != nil {
			writeError(w, http.StatusBadRequest, "extraction_config is not valid JSON")
			return
		}
		if err := s.schema.Validate(v); err != nil {
			writeError(w, http.StatusBadRequest, "extraction_config: "+err.Error())
			return
		}
		if err := json.Unmarshal(req.ExtractionConfig, &spec); err != nil {
			writeError(w, http.StatusBadRequest, "extraction_config: "+err.Error())
			return
		}
	}

	key := req.IdempotencyKey
	if h := r.Header.Get("Idempotency-Key"); h != "" {
		key = h
	}

	t, created, err := s.gw.Submit(r.Context(), gateway.SubmitRequest{
		DocumentURL:    req.DocumentURL,
		RawText:        req.RawText,
		Provider:       req.Provider,
		Passes:         req.Passes,
		Spec:           spec,
		Callback:       req.Callback,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeSubmitError(w, log, err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{TaskID: t.ID, Status: t.Status})
}

// handlePoll returns the current task record.
// GET /v1/tasks/{id}
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	t, err := s.gw.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		shield.GetLogger(r.Context()).Error("poll failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRevoke requests cancellation.
// DELETE /v1/tasks/{id}
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.gw.Revoke(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, Status: st})
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalidState):
		writeError(w, http.StatusConflict, "task already finished")
	default:
		shield.GetLogger(r.Context()).Error("revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, log *slog.Logger, err error) {
	if errors.Is(err, gateway.ErrInvalidSubmission) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Error("submit failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
