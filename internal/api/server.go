package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/notecoder/internal/ingest"
	"github.com/kalambet/notecoder/internal/notetext"
	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1 MB
	maxImportBodySize  = 64 << 20 // 64 MB of JSONL
)

// Coder runs the suggestion pipeline.
type Coder interface {
	Generate(ctx context.Context, req pipeline.GenerateRequest) (pipeline.Result, error)
	Revise(ctx context.Context, visitID, text, submittedBy string) (pipeline.Result, error)
	Regenerate(ctx context.Context, visitID, reason string) (pipeline.Result, error)
	FinalizeCodes(ctx context.Context, req pipeline.FinalizeRequest) (pipeline.FinalizeResult, error)
}

// Importer bulk-loads historical notes.
type Importer interface {
	ImportJSONL(ctx context.Context, r io.Reader) (ingest.ImportStats, error)
}

// Exporter writes persisted suggestions as a workbook.
type Exporter interface {
	WriteXLSX(ctx context.Context, w io.Writer, limit int) (int, error)
}

// AppDeps holds dependencies for the application API handler.
type AppDeps struct {
	Store    *storage.Store
	Coder    Coder
	Importer Importer
	Exporter Exporter
	Token    string // bearer token; empty disables auth
	Logger   *slog.Logger
}

type handler struct {
	AppDeps
}

// NewAppHandler returns the HTTP handler for the coding API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{AppDeps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/generate", h.handleGenerate)
		r.Route("/visits/{id}", func(r chi.Router) {
			r.Post("/revisions", h.handleRevise)
			r.Post("/regenerate", h.handleRegenerate)
			r.Post("/decisions", h.handleDecisions)
		})
		r.Get("/revisions/{id}", h.handleGetRevision)

		r.Post("/patients", h.handleCreatePatient)
		r.Get("/patients/{id}", h.handleGetPatient)
		r.Get("/patient", h.handleFirstPatient)

		r.Post("/corpus/import", h.handleImport)
		r.Get("/quarantine", h.handleQuarantine)
		r.Get("/exports/suggestions.xlsx", h.handleExport)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeJSON reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline and storage errors onto the error envelope.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, ingest.ErrInvalidNote),
		errors.Is(err, notetext.ErrEmpty):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, pipeline.ErrPatientNotFound),
		errors.Is(err, pipeline.ErrVisitNotFound),
		errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, pipeline.ErrEmbedding):
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
