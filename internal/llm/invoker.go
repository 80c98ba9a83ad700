// Package llm sends resolved prompts to the chat model and returns only
// schema-valid suggestion output.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/prompt"
	"github.com/kalambet/notecoder/internal/proxy"
)

const (
	DefaultModel       = "mistralai/mistral-7b-instruct"
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.2
)

const outputSchema = `{
  "type": "object",
  "required": ["suggestions"],
  "properties": {
    "suggestions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["code", "codeType", "confidence"],
        "properties": {
          "code": {"type": "string", "minLength": 1},
          "codeType": {"enum": ["ICD", "CPT", "HCPCS"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("suggestions.json", outputSchema)

// Suggestion is one code proposed by the model.
type Suggestion struct {
	Code       string        `json:"code"`
	System     coding.System `json:"codeType"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
}

// Ref returns the suggestion's code identity.
func (s Suggestion) Ref() coding.Ref { return coding.Ref{Code: s.Code, System: s.System} }

// Output is a validated model response.
type Output struct {
	Suggestions []Suggestion `json:"suggestions"`
	Raw         string       `json:"-"`
}

// Chatter is the chat completion transport.
type Chatter interface {
	Chat(ctx context.Context, req proxy.ChatRequest) (*proxy.ChatResponse, error)
}

// Config selects the model and call parameters.
type Config struct {
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Invoker calls the model with a resolved prompt.
type Invoker struct {
	client Chatter
	cfg    Config
	logger *slog.Logger
}

// NewInvoker creates an Invoker. Zero config fields take the defaults.
func NewInvoker(client Chatter, cfg Config, logger *slog.Logger) *Invoker {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{client: client, cfg: cfg, logger: logger}
}

// Invoke sends p to the model and validates the reply. Any failure is
// returned as an *Error; a non-nil Output is always fully valid.
func (i *Invoker) Invoke(ctx context.Context, p prompt.Resolved) (*Output, error) {
	user, err := json.MarshalIndent(p.User, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling user payload: %w", err)
	}

	temp := i.cfg.Temperature
	req := proxy.ChatRequest{
		Model: i.cfg.Model,
		Messages: []proxy.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: string(user)},
		},
		Temperature:    &temp,
		ResponseFormat: proxy.JSONObject,
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	start := time.Now()
	i.logger.Debug("llm.invoke.start",
		"model", i.cfg.Model,
		"prompt_type", p.Strategy,
		"prompt_tokens_est", prompt.EstimateTokens(p.System)+prompt.EstimateTokens(string(user)),
	)

	resp, err := i.client.Chat(ctx, req)
	if err != nil {
		e := classify(err)
		i.logger.Warn("llm.invoke.failed", "kind", e.Kind, "status", e.Status, "duration", time.Since(start), "error", err)
		return nil, e
	}

	out, err := parse(resp)
	if err != nil {
		var e *Error
		errors.As(err, &e)
		i.logger.Warn("llm.invoke.invalid", "kind", e.Kind, "detail", e.Detail, "duration", time.Since(start))
		return nil, err
	}

	i.logger.Info("llm.invoke.ok",
		"model", i.cfg.Model,
		"prompt_type", p.Strategy,
		"suggestions", len(out.Suggestions),
		"duration", time.Since(start),
	)
	return out, nil
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: RequestTimeout, Err: err}
	}
	var se *proxy.StatusError
	if errors.As(err, &se) {
		return &Error{Kind: ProviderError, Status: se.Status, Detail: se.Body, Err: err}
	}
	var de *proxy.DecodeError
	if errors.As(err, &de) {
		if strings.TrimSpace(de.Body) == "" {
			return &Error{Kind: EmptyResponse, Detail: "empty body", Err: err}
		}
		return &Error{Kind: MalformedOutput, Raw: de.Body, Err: err}
	}
	// Connection refused, reset, DNS and similar transport failures.
	return &Error{Kind: RequestTimeout, Err: err}
}

func parse(resp *proxy.ChatResponse) (*Output, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &Error{Kind: EmptyResponse, Detail: "no choices"}
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if raw == "" {
		return nil, &Error{Kind: EmptyResponse, Detail: "empty content"}
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, &Error{Kind: MalformedOutput, Raw: raw, Err: err}
	}
	if err := schema.Validate(v); err != nil {
		return nil, &Error{Kind: SchemaViolation, Detail: schemaDetail(err), Raw: raw}
	}

	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &Error{Kind: MalformedOutput, Raw: raw, Err: err}
	}
	out.Raw = raw
	return &out, nil
}

// schemaDetail flattens a validation error to its leaf causes.
func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
