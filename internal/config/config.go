package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Corpus    CorpusConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Boost     BoostConfig
	Prompt    PromptConfig
	Provider  ProviderConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
	SiteURL  string
}

type StorageConfig struct {
	DataDir string
}

// CorpusConfig selects where historical notes are searched. "sqlite" uses the
// local store; "postgres" queries a pgvector-enabled database.
type CorpusConfig struct {
	Backend     string
	PostgresDSN string
}

type EmbeddingConfig struct {
	Provider      string // "ollama" or "http"
	URL           string
	OllamaBaseURL string
	Model         string
	CacheTTL      string
}

type LLMConfig struct {
	OpenRouterAPIKey string
	BaseURL          string
	Model            string
	Timeout          string
	Temperature      float64
	FallbackAttempts int
}

type RetrievalConfig struct {
	Limit      int
	WindowDays int
	PromptCap  int
}

type BoostConfig struct {
	VisitTypeTarget string // "candidate" or "request"
}

type PromptConfig struct {
	TopK            int
	StrongThreshold float64
	MinScore        float64
}

// ProviderConfig identifies the clinician used when a request names none.
type ProviderConfig struct {
	DefaultID   string
	DefaultName string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			SiteURL: "http://localhost:4100",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Corpus: CorpusConfig{
			Backend: "sqlite",
		},
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			OllamaBaseURL: "http://localhost:11434",
			Model:         "nomic-embed-text",
			CacheTTL:      "720h",
		},
		LLM: LLMConfig{
			BaseURL:          "https://openrouter.ai/api/v1",
			Model:            "mistralai/mistral-7b-instruct",
			Timeout:          "30s",
			Temperature:      0.2,
			FallbackAttempts: 1,
		},
		Retrieval: RetrievalConfig{
			Limit:      20,
			WindowDays: 365,
			PromptCap:  10,
		},
		Boost: BoostConfig{
			VisitTypeTarget: "candidate",
		},
		Prompt: PromptConfig{
			TopK:            5,
			StrongThreshold: 0.9,
			MinScore:        0.3,
		},
		Provider: ProviderConfig{
			DefaultID:   "default-provider",
			DefaultName: "Default Provider",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.notecoder.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/notecoder/config.json
// and secrets come from environment variables or a secrets.json file.
//
// Environment variables (NOTECODER_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if cfg.LLM.OpenRouterAPIKey == "" {
		msg := "missing required config: OpenRouter API key. " +
			"Set it via environment variable NOTECODER_OPENROUTER_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Corpus.Backend {
	case "sqlite":
	case "postgres":
		if c.Corpus.PostgresDSN == "" {
			return fmt.Errorf("corpus.backend is postgres but NOTECODER_CORPUS_POSTGRES_DSN is empty")
		}
	default:
		return fmt.Errorf("unknown corpus.backend %q", c.Corpus.Backend)
	}
	switch c.Embedding.Provider {
	case "ollama":
	case "http":
		if c.Embedding.URL == "" {
			return fmt.Errorf("embedding.provider is http but embedding.url is empty")
		}
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	switch c.Boost.VisitTypeTarget {
	case "candidate", "request":
	default:
		return fmt.Errorf("unknown boost.visit_type_target %q", c.Boost.VisitTypeTarget)
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("invalid llm.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Embedding.CacheTTL); err != nil {
		return fmt.Errorf("invalid embedding.cache_ttl: %w", err)
	}
	return nil
}

// LLMTimeout returns the parsed model request deadline.
func (c Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// EmbeddingCacheTTL returns the parsed embedding cache lifetime.
func (c Config) EmbeddingCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Embedding.CacheTTL)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

const secretService = "notecoder"

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
