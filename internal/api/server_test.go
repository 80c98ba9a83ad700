package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/kalambet/notecoder/internal/export"
	"github.com/kalambet/notecoder/internal/ingest"
	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/storage"
)

const testToken = "test-token-12345"

type mockCoder struct {
	generateFn   func(ctx context.Context, req pipeline.GenerateRequest) (pipeline.Result, error)
	reviseFn     func(ctx context.Context, visitID, text, submittedBy string) (pipeline.Result, error)
	regenerateFn func(ctx context.Context, visitID, reason string) (pipeline.Result, error)
	finalizeFn   func(ctx context.Context, req pipeline.FinalizeRequest) (pipeline.FinalizeResult, error)
}

func (m *mockCoder) Generate(ctx context.Context, req pipeline.GenerateRequest) (pipeline.Result, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return pipeline.Result{}, nil
}

func (m *mockCoder) Revise(ctx context.Context, visitID, text, submittedBy string) (pipeline.Result, error) {
	if m.reviseFn != nil {
		return m.reviseFn(ctx, visitID, text, submittedBy)
	}
	return pipeline.Result{}, nil
}

func (m *mockCoder) Regenerate(ctx context.Context, visitID, reason string) (pipeline.Result, error) {
	if m.regenerateFn != nil {
		return m.regenerateFn(ctx, visitID, reason)
	}
	return pipeline.Result{}, nil
}

func (m *mockCoder) FinalizeCodes(ctx context.Context, req pipeline.FinalizeRequest) (pipeline.FinalizeResult, error) {
	if m.finalizeFn != nil {
		return m.finalizeFn(ctx, req)
	}
	return pipeline.FinalizeResult{}, nil
}

func setupAppHandler(t *testing.T, token string, coder *mockCoder) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewAppHandler(AppDeps{
		Store:    store,
		Coder:    coder,
		Importer: ingest.NewImporter(store, nil),
		Exporter: export.NewExporter(store, nil),
		Token:    token,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, &mockCoder{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, &mockCoder{})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodGet, "/quarantine", "", tt.token))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && decodeError(t, rr).Error.Type != "authentication_error" {
				t.Errorf("unexpected error type: %s", rr.Body.String())
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	h, _ := setupAppHandler(t, "", &mockCoder{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/quarantine", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestGenerate_PassesRequest(t *testing.T) {
	var got pipeline.GenerateRequest
	coder := &mockCoder{generateFn: func(_ context.Context, req pipeline.GenerateRequest) (pipeline.Result, error) {
		got = req
		return pipeline.Result{VisitID: "v1", RevisionID: "r1", PromptType: "NO_MATCH", Success: true}, nil
	}}
	h, _ := setupAppHandler(t, testToken, coder)

	body := `{"soapNote":"Patient presents with chest pain radiating to arm.","patientId":"p1","specialty":"CARDIOLOGY","submittedBy":"dr@example.com"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/generate", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	want := pipeline.GenerateRequest{
		Note:        "Patient presents with chest pain radiating to arm.",
		PatientID:   "p1",
		Specialty:   "CARDIOLOGY",
		SubmittedBy: "dr@example.com",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	var res pipeline.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.RevisionID != "r1" || !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerate_HTMLFormat(t *testing.T) {
	var got string
	coder := &mockCoder{generateFn: func(_ context.Context, req pipeline.GenerateRequest) (pipeline.Result, error) {
		got = req.Note
		return pipeline.Result{}, nil
	}}
	h, _ := setupAppHandler(t, testToken, coder)

	body := `{"soapNote":"<p>Subjective: cough</p><p>Plan: rest</p>","patientId":"p1","format":"html"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/generate", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(got, "<p>") || !strings.Contains(got, "Subjective: cough") || !strings.Contains(got, "Plan: rest") {
		t.Errorf("note not flattened: %q", got)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"validation", fmt.Errorf("%w: note too short", pipeline.ErrValidation), http.StatusBadRequest, "invalid_request_error"},
		{"patient", fmt.Errorf("%w: p9", pipeline.ErrPatientNotFound), http.StatusNotFound, "not_found"},
		{"visit", pipeline.ErrVisitNotFound, http.StatusNotFound, "not_found"},
		{"embedding", fmt.Errorf("%w: connection refused", pipeline.ErrEmbedding), http.StatusBadGateway, "upstream_error"},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coder := &mockCoder{generateFn: func(context.Context, pipeline.GenerateRequest) (pipeline.Result, error) {
				return pipeline.Result{}, tt.err
			}}
			h, _ := setupAppHandler(t, testToken, coder)

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/generate", `{"soapNote":"x","patientId":"p1"}`, testToken))

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			env := decodeError(t, rr)
			if env.Error.Type != tt.wantType {
				t.Errorf("type = %s, want %s", env.Error.Type, tt.wantType)
			}
			if tt.wantCode == http.StatusInternalServerError && strings.Contains(env.Error.Message, "disk") {
				t.Errorf("internal error leaked: %s", env.Error.Message)
			}
		})
	}
}

func TestGenerate_InvalidJSON(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, &mockCoder{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/generate", `{not json`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, &mockCoder{})

	body := `{"soapNote":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/generate", body, testToken))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
}

func TestVisitRoutes(t *testing.T) {
	var reviseArgs, regenArgs []string
	var finalize pipeline.FinalizeRequest
	coder := &mockCoder{
		reviseFn: func(_ context.Context, visitID, text, by string) (pipeline.Result, error) {
			reviseArgs = []string{visitID, text, by}
			return pipeline.Result{VisitID: visitID}, nil
		},
		regenerateFn: func(_ context.Context, visitID, reason string) (pipeline.Result, error) {
			regenArgs = []string{visitID, reason}
			return pipeline.Result{VisitID: visitID}, nil
		},
		finalizeFn: func(_ context.Context, req pipeline.FinalizeRequest) (pipeline.FinalizeResult, error) {
			finalize = req
			return pipeline.FinalizeResult{VisitID: req.VisitID, Recorded: len(req.Decisions)}, nil
		},
	}
	h, _ := setupAppHandler(t, testToken, coder)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/visits/v1/revisions", `{"newNote":"updated note text","submittedBy":"a@b.co"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("revise status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if diff := cmp.Diff([]string{"v1", "updated note text", "a@b.co"}, reviseArgs); diff != "" {
		t.Errorf("revise args (-want +got):\n%s", diff)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/visits/v1/regenerate", `{"regenerationReason":"missed code"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d", rr.Code)
	}
	if diff := cmp.Diff([]string{"v1", "missed code"}, regenArgs); diff != "" {
		t.Errorf("regenerate args (-want +got):\n%s", diff)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/visits/v1/regenerate", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate without body status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	body := `{"visitId":"ignored","decisions":[{"code":"I10","type":"ICD","decision":"finalized"}]}`
	h.ServeHTTP(rr, authReq(http.MethodPost, "/visits/v1/decisions", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("decisions status = %d", rr.Code)
	}
	if finalize.VisitID != "v1" || len(finalize.Decisions) != 1 || finalize.Decisions[0].Code != "I10" {
		t.Errorf("finalize request = %+v", finalize)
	}
}

func TestGetRevision(t *testing.T) {
	h, store := setupAppHandler(t, testToken, &mockCoder{})
	ctx := t.Context()
	now := time.Now().UTC()

	if err := store.CreatePatient(ctx, storage.Patient{ID: "p1", Name: "Ann", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	v := storage.Visit{ID: "v1", PatientID: "p1", ProviderID: "dr1", Specialty: "CARDIOLOGY", VisitType: "OFFICE_VISIT", VisitDate: now, Status: storage.VisitInProgress, SubmittedBy: "system", CreatedAt: now}
	r := storage.Revision{ID: "r1", VisitID: "v1", Content: "note body", ContentHash: "h1", Metadata: storage.RevisionMetadata{Version: 1, PromptType: "NO_MATCH"}, CreatedAt: now}
	if err := store.CreateVisitWithRevision(ctx, v, r); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveSuggestions(ctx, []storage.SuggestedCode{{RevisionID: "r1", Code: "I10", System: "ICD", Confidence: 0.9, Reasoning: "htn", CreatedAt: now}}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/revisions/r1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got revisionView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.VisitID != "v1" || got.Metadata.PromptType != "NO_MATCH" {
		t.Errorf("revision = %+v", got)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0].Code != "I10" || got.Suggestions[0].System != "ICD" {
		t.Errorf("suggestions = %+v", got.Suggestions)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/revisions/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rr.Code)
	}
}

func TestPatients(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, &mockCoder{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/patient", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("empty /patient status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/patients", `{"id":"p1","name":"Ann Lee","dob":"1980-02-03","insurance":"Acme"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/patients", `{"id":"p1","name":"Again"}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/patients", `{"name":"Bad Date","dob":"02/03/1980"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad dob status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/patients/p1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var p patientView
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "Ann Lee" || p.DateOfBirth != "1980-02-03" {
		t.Errorf("patient = %+v", p)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/patient", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("/patient status = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc == "" {
		t.Error("expected Cache-Control header")
	}
}

func TestCorpusImport(t *testing.T) {
	h, store := setupAppHandler(t, testToken, &mockCoder{})

	line := `{"patientId":"p1","providerId":"dr1","specialty":"CARDIOLOGY","visitType":"FOLLOW_UP","visitDate":"2025-01-02T00:00:00Z","content":"Follow-up for hypertension, stable.","finalizedCodes":[{"code":"I10","codeType":"ICD"}]}`
	body := line + "\n\n" + line + "\n"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/corpus/import", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var stats ingest.ImportStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ingest.ImportStats{Imported: 1, Skipped: 1}, stats); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}

	n, err := store.CountJobs(t.Context(), "pending")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/corpus/import", `{"patientId":"p1"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid line status = %d, want 400", rr.Code)
	}
}

func TestQuarantine_Pagination(t *testing.T) {
	h, store := setupAppHandler(t, testToken, &mockCoder{})
	base := time.Now().UTC()
	for i := range 3 {
		q := storage.QuarantinedResponse{
			ID:          fmt.Sprintf("01J%023d", i),
			RevisionID:  "r1",
			RawResponse: "not json",
			Error:       "malformed_output",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveQuarantined(t.Context(), q); err != nil {
			t.Fatal(err)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/quarantine?limit=2&offset=0", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []quarantineView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != fmt.Sprintf("01J%023d", 2) {
		t.Errorf("page = %+v", got)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/quarantine?limit=2&offset=2", "", testToken))
	got = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("second page has %d entries, want 1", len(got))
	}
}

func TestExport_XLSX(t *testing.T) {
	h, store := setupAppHandler(t, testToken, &mockCoder{})
	ctx := t.Context()
	now := time.Now().UTC()

	if err := store.CreatePatient(ctx, storage.Patient{ID: "p1", Name: "Ann", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	v := storage.Visit{ID: "v1", PatientID: "p1", ProviderID: "dr1", Specialty: "CARDIOLOGY", VisitType: "OFFICE_VISIT", VisitDate: now, Status: storage.VisitInProgress, SubmittedBy: "system", CreatedAt: now}
	r := storage.Revision{ID: "r1", VisitID: "v1", Content: "note", ContentHash: "h1", Metadata: storage.RevisionMetadata{Version: 1}, CreatedAt: now}
	if err := store.CreateVisitWithRevision(ctx, v, r); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveSuggestions(ctx, []storage.SuggestedCode{{RevisionID: "r1", Code: "99213", System: "CPT", Confidence: 0.8, CreatedAt: now}}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/exports/suggestions.xlsx", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %s", ct)
	}

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
}
