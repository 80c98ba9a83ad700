package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider embeds text with a model served by a local Ollama instance.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates an OllamaProvider for model at baseURL.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d", resp.StatusCode)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return result.Embeddings[0], nil
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Ready reports whether Ollama answers and already has the embedding model.
func (p *OllamaProvider) Ready(ctx context.Context) (running, hasModel bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false, false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false
	}

	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return true, false
	}
	for _, m := range tags.Models {
		// Ollama may report "nomic-embed-text:latest"; match without the tag.
		if m.Name == p.model || strings.HasPrefix(m.Name, p.model+":") {
			return true, true
		}
	}
	return true, false
}

type pullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// EnsureModel checks that Ollama is running and pulls the embedding model if
// it is missing, writing progress lines to w.
func (p *OllamaProvider) EnsureModel(ctx context.Context, w io.Writer) error {
	running, has := p.Ready(ctx)
	if !running {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", p.baseURL)
	}
	if has {
		fmt.Fprintf(w, "model %s: ready\n", p.model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", p.model)
	body, err := json.Marshal(map[string]any{"name": p.model, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", p.model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", p.model, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var pp pullProgress
		if err := dec.Decode(&pp); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if pp.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", pp.Status, float64(pp.Completed)/float64(pp.Total)*100)
		} else {
			fmt.Fprintf(w, "  %s\n", pp.Status)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", p.model)
	return nil
}
