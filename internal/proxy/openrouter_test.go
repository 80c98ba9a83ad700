package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testClient(url string) *Client {
	c := NewClientWithBaseURL("test-key", url)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func testRequest() ChatRequest {
	temp := 0.2
	return ChatRequest{
		Model:          "mistralai/mistral-7b-instruct",
		Messages:       []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		Temperature:    &temp,
		ResponseFormat: JSONObject,
	}
}

func TestChat_DecodesEnvelope(t *testing.T) {
	respJSON := `{"id":"gen-1","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"{\"suggestions\":[]}"}}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respJSON)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Chat(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != `{"suggestions":[]}` {
		t.Errorf("choices = %+v", resp.Choices)
	}
}

func TestChat_RequestBodyAndHeaders(t *testing.T) {
	var (
		gotBody  map[string]any
		gotAuth  string
		gotTitle string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Chat(context.Background(), testRequest()); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotTitle != "Medical Coding Assistant" {
		t.Errorf("X-Title = %q", gotTitle)
	}
	want := map[string]any{
		"model":           "mistralai/mistral-7b-instruct",
		"temperature":     0.2,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []any{
			map[string]any{"role": "system", "content": "sys"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	if diff := cmp.Diff(want, gotBody); diff != "" {
		t.Errorf("body (-want +got):\n%s", diff)
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), testRequest())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusBadGateway || se.Body != "upstream down" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestChat_DecodeError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantBody string
	}{
		{"empty", "", ""},
		{"not json", "<html>oops</html>", "<html>oops</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Chat(context.Background(), testRequest())
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if de.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", de.Body, tt.wantBody)
			}
		})
	}
}

func TestChat_RateLimit_Retry(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempt.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Chat(context.Background(), testRequest()); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestChat_RateLimit_Exhausted(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "rate limited")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		t.Errorf("err = %v, want wrapped 429 StatusError", err)
	}
	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChat_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := testClient(srv.URL).Chat(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Chat did not return promptly after deadline")
	}
}

func TestJitteredBackoff(t *testing.T) {
	for attempt := range 3 {
		base := initialBackoff << attempt
		for range 20 {
			d := jitteredBackoff(attempt)
			if d < base || d > base+base/2 {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, base, base+base/2)
			}
		}
	}
}
