package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NOTECODER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "NOTECODER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.site_url", typ: kString, env: "NOTECODER_SERVER_SITE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.SiteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.SiteURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTECODER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "corpus.backend", typ: kString, env: "NOTECODER_CORPUS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Backend },
	},
	{
		key: "corpus.postgres_dsn", typ: kString, env: "NOTECODER_CORPUS_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Corpus.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.PostgresDSN },
	},
	{
		key: "embedding.provider", typ: kString, env: "NOTECODER_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.url", typ: kString, env: "NOTECODER_EMBEDDING_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.URL },
	},
	{
		key: "embedding.ollama_base_url", typ: kString, env: "NOTECODER_EMBEDDING_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OllamaBaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "NOTECODER_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.cache_ttl", typ: kString, env: "NOTECODER_EMBEDDING_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheTTL },
	},
	{
		key: "llm.openrouter_api_key", typ: kString, env: "NOTECODER_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "llm.base_url", typ: kString, env: "NOTECODER_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "NOTECODER_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kString, env: "NOTECODER_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "NOTECODER_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.fallback_attempts", typ: kInt, env: "NOTECODER_LLM_FALLBACK_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.LLM.FallbackAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.FallbackAttempts },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "NOTECODER_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "retrieval.window_days", typ: kInt, env: "NOTECODER_RETRIEVAL_WINDOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.WindowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.WindowDays },
	},
	{
		key: "retrieval.prompt_cap", typ: kInt, env: "NOTECODER_RETRIEVAL_PROMPT_CAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.PromptCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.PromptCap },
	},
	{
		key: "boost.visit_type_target", typ: kString, env: "NOTECODER_BOOST_VISIT_TYPE_TARGET",
		apply:   func(cfg *Config, v any) { cfg.Boost.VisitTypeTarget = v.(string) },
		extract: func(cfg Config) any { return cfg.Boost.VisitTypeTarget },
	},
	{
		key: "prompt.top_k", typ: kInt, env: "NOTECODER_PROMPT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Prompt.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Prompt.TopK },
	},
	{
		key: "prompt.strong_threshold", typ: kFloat, env: "NOTECODER_PROMPT_STRONG_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Prompt.StrongThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Prompt.StrongThreshold },
	},
	{
		key: "prompt.min_score", typ: kFloat, env: "NOTECODER_PROMPT_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Prompt.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Prompt.MinScore },
	},
	{
		key: "provider.default_id", typ: kString, env: "NOTECODER_PROVIDER_DEFAULT_ID",
		apply:   func(cfg *Config, v any) { cfg.Provider.DefaultID = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.DefaultID },
	},
	{
		key: "provider.default_name", typ: kString, env: "NOTECODER_PROVIDER_DEFAULT_NAME",
		apply:   func(cfg *Config, v any) { cfg.Provider.DefaultName = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.DefaultName },
	},
	{
		key: "log.level", typ: kString, env: "NOTECODER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
