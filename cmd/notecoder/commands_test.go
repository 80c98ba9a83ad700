package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/config"
	"github.com/kalambet/notecoder/internal/pipeline"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestGenerateRequest_Sent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /generate": `{"visitId":"v1","revisionId":"r1","suggestions":[{"code":"I10","codeType":"ICD","confidence":0.9,"reasoning":"htn"}],"scenarioTags":[],"promptType":"NO_MATCH","success":true}`,
	})

	client := ts.client()
	req := pipeline.GenerateRequest{Note: "Hypertension follow-up, BP controlled on lisinopril.", PatientID: "p1"}
	resp, err := client.post(ctx, "/generate", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res pipeline.Result
	if err := decodeJSON(resp, &res); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].System != coding.ICD {
		t.Errorf("suggestions = %+v", res.Suggestions)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.ContentType != "application/json" {
		t.Errorf("content type = %q", r.ContentType)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["soapNote"] != req.Note || body["patientId"] != "p1" {
		t.Errorf("body = %v", body)
	}
}

func TestGenerateCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"generate", "--patient", "p1"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestReadNote(t *testing.T) {
	dir := t.TempDir()

	htmlPath := filepath.Join(dir, "note.html")
	if err := os.WriteFile(htmlPath, []byte("<div>S: cough</div><div>P: fluids</div>"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readNote(htmlPath)
	if err != nil {
		t.Fatalf("readNote(html): %v", err)
	}
	if strings.Contains(got, "<div>") || !strings.Contains(got, "S: cough") {
		t.Errorf("html note = %q", got)
	}

	txtPath := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(txtPath, []byte("  plain   note  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := readNote(txtPath); err != nil || strings.TrimSpace(got) == "" {
		t.Errorf("readNote(txt) = %q, %v", got, err)
	}

	if _, err := readNote(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseCodeArg(t *testing.T) {
	tests := []struct {
		in       string
		wantRef  coding.Ref
		wantText string
		wantErr  bool
	}{
		{"I10:ICD", coding.Ref{Code: "I10", System: coding.ICD}, "", false},
		{"99213:cpt", coding.Ref{Code: "99213", System: coding.CPT}, "", false},
		{"E11.9:ICD:not documented: see plan", coding.Ref{Code: "E11.9", System: coding.ICD}, "not documented: see plan", false},
		{"I10", coding.Ref{}, "", true},
		{"I10:LOINC", coding.Ref{}, "", true},
		{":ICD", coding.Ref{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, text, err := parseCodeArg(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ref != tt.wantRef || text != tt.wantText {
				t.Errorf("got %+v %q, want %+v %q", ref, text, tt.wantRef, tt.wantText)
			}
		})
	}
}

func TestBuildFinalizeRequest(t *testing.T) {
	req, err := buildFinalizeRequest(
		[]string{"I10:ICD"},
		[]string{"E11.9:ICD:no diabetes"},
		[]string{"J45.909:ICD:asthma"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := pipeline.FinalizeRequest{
		Decisions: []pipeline.Decision{
			{Code: "I10", System: coding.ICD, Decision: "finalized"},
			{Code: "E11.9", System: coding.ICD, Decision: "rejected", Reason: "no diabetes"},
		},
		Manual: []pipeline.ManualEntry{{Code: "J45.909", System: coding.ICD, Description: "asthma"}},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	if _, err := buildFinalizeRequest(nil, nil, nil); err == nil {
		t.Error("expected error for empty decision set")
	}
}

func TestImportStreamsBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /corpus/import": `{"imported":2,"skipped":0}`,
	})

	body := "{\"content\":\"a\"}\n{\"content\":\"b\"}\n"
	resp, err := ts.client().postStream(ctx, "/corpus/import", "application/x-ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats struct {
		Imported int `json:"imported"`
	}
	if err := decodeJSON(resp, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Imported != 2 {
		t.Errorf("imported = %d, want 2", stats.Imported)
	}
	if r := ts.requests[0]; r.Body != body || r.ContentType != "application/x-ndjson" {
		t.Errorf("request = %+v", r)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"patient not found: p9","type":"not_found"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "t",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/patients/p9")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "patient not found: p9") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestWriteFileAtomic(t *testing.T) {
	out := filepath.Join(t.TempDir(), "codes.xlsx")
	if err := writeFileAtomic(out, strings.NewReader("PK-data")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "PK-data" {
		t.Errorf("content = %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfidenceColor(t *testing.T) {
	if confidenceColor(0.95) != colorGreen || confidenceColor(0.6) != colorYellow || confidenceColor(0.2) != colorRed {
		t.Error("unexpected confidence grading")
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.LLM.OpenRouterAPIKey = "sk-secret"

	keys := config.ShowAll(cfg)
	var port, key string
	for _, k := range keys {
		switch k.Key {
		case "server.port":
			port = k.Value
		case "llm.openrouter_api_key":
			key = k.Value
		}
	}
	if port != "4100" {
		t.Errorf("server.port = %q, want 4100", port)
	}
	if key == "sk-secret" || key == "" {
		t.Errorf("api key shown as %q, want masked", key)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
