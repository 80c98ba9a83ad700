package api

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/notecoder/internal/export"
	"github.com/kalambet/notecoder/internal/notetext"
	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/storage"
)

const formatHTML = "html"

// noteText returns the plain text of a submitted note. Rich-text editor HTML
// is flattened before it is hashed or embedded.
func noteText(note, format string) (string, error) {
	if format != formatHTML {
		return note, nil
	}
	return notetext.FromHTML(strings.NewReader(note))
}

type generateBody struct {
	pipeline.GenerateRequest
	Format string `json:"format,omitempty"`
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if !decodeJSON(w, r, &body) {
		return
	}
	text, err := noteText(body.Note, body.Format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := body.GenerateRequest
	req.Note = text

	res, err := h.Coder.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reviseBody struct {
	Note        string `json:"newNote"`
	SubmittedBy string `json:"submittedBy,omitempty"`
	Format      string `json:"format,omitempty"`
}

func (h *handler) handleRevise(w http.ResponseWriter, r *http.Request) {
	var body reviseBody
	if !decodeJSON(w, r, &body) {
		return
	}
	text, err := noteText(body.Note, body.Format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Coder.Revise(r.Context(), chi.URLParam(r, "id"), text, body.SubmittedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"regenerationReason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.Coder.Regenerate(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	var req pipeline.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.VisitID = chi.URLParam(r, "id")

	res, err := h.Coder.FinalizeCodes(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type suggestionView struct {
	Code       string    `json:"code"`
	System     string    `json:"codeType"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	CreatedAt  time.Time `json:"createdAt"`
}

type revisionView struct {
	ID          string                   `json:"id"`
	VisitID     string                   `json:"visitId"`
	Content     string                   `json:"content"`
	ContentHash string                   `json:"contentHash"`
	Metadata    storage.RevisionMetadata `json:"metadata"`
	CreatedAt   time.Time                `json:"createdAt"`
	Suggestions []suggestionView         `json:"suggestions"`
}

func (h *handler) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rev, err := h.Store.GetRevision(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	codes, err := h.Store.SuggestionsFor(ctx, rev.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view := revisionView{
		ID:          rev.ID,
		VisitID:     rev.VisitID,
		Content:     rev.Content,
		ContentHash: rev.ContentHash,
		Metadata:    rev.Metadata,
		CreatedAt:   rev.CreatedAt,
		Suggestions: make([]suggestionView, len(codes)),
	}
	for i, c := range codes {
		view.Suggestions[i] = suggestionView{
			Code:       c.Code,
			System:     c.System,
			Confidence: c.Confidence,
			Reasoning:  c.Reasoning,
			CreatedAt:  c.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type patientView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DateOfBirth string    `json:"dob"`
	Insurance   string    `json:"insurance"`
	CreatedAt   time.Time `json:"createdAt"`
}

func viewPatient(p storage.Patient) patientView {
	return patientView{ID: p.ID, Name: p.Name, DateOfBirth: p.DateOfBirth, Insurance: p.Insurance, CreatedAt: p.CreatedAt}
}

func (h *handler) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var body patientView
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}
	if body.DateOfBirth != "" {
		if _, err := time.Parse(time.DateOnly, body.DateOfBirth); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "dob must be YYYY-MM-DD")
			return
		}
	}

	p := storage.Patient{
		ID:          body.ID,
		Name:        strings.TrimSpace(body.Name),
		DateOfBirth: body.DateOfBirth,
		Insurance:   body.Insurance,
		CreatedAt:   time.Now().UTC(),
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := h.Store.CreatePatient(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPatient(p))
}

func (h *handler) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPatient(p))
}

// handleFirstPatient serves the demo patient summary shown by the editor.
func (h *handler) handleFirstPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.FirstPatient(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, http.StatusOK, struct {
		Name        string `json:"name"`
		DateOfBirth string `json:"dob"`
		Insurance   string `json:"insurance"`
	}{p.Name, p.DateOfBirth, p.Insurance})
}

func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxImportBodySize)
	stats, err := h.Importer.ImportJSONL(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type quarantineView struct {
	ID          string    `json:"id"`
	RevisionID  string    `json:"revisionId"`
	RawResponse string    `json:"rawResponse"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
}

func viewQuarantined(rows []storage.QuarantinedResponse) []quarantineView {
	out := make([]quarantineView, len(rows))
	for i, q := range rows {
		out[i] = quarantineView{ID: q.ID, RevisionID: q.RevisionID, RawResponse: q.RawResponse, Error: q.Error, CreatedAt: q.CreatedAt}
	}
	return out
}

func (h *handler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, 100)
	offset := parseIntParam(r, "offset", 0, 0)

	rows, err := h.Store.ListQuarantined(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewQuarantined(rows))
}

func (h *handler) handleExport(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", export.DefaultLimit, export.DefaultLimit)

	// Buffer the workbook so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if _, err := h.Exporter.WriteXLSX(r.Context(), &buf, limit); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="suggestions.xlsx"`)
	w.Write(buf.Bytes())
}
