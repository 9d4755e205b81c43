package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	altEnv  string // unprefixed variable honoured when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store account name for a secret key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PAL_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "PAL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PAL_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PAL_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "model.provider", typ: kString, env: "PAL_MODEL_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Model.Provider = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Model.Provider },
	},
	{
		key: "model.text", typ: kString, env: "PAL_TEXT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.TextModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.TextModel },
	},
	{
		key: "model.vision", typ: kString, env: "PAL_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.VisionModel },
	},
	{
		key: "model.embed", typ: kString, env: "PAL_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.EmbedModel },
	},
	{
		key: "model.timeout", typ: kDuration, env: "PAL_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Model.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Model.Timeout },
	},
	{
		key: "openai.base_url", typ: kString, env: "PAL_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "PAL_OPENAI_API_KEY", altEnv: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "search.endpoint", typ: kString, env: "PAL_SEARCH_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Search.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Endpoint },
	},
	{
		key: "search.api_key", typ: kString, env: "PAL_TAVILY_API_KEY", altEnv: "TAVILY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Search.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.APIKey },
	},
	{
		key: "search.max_results", typ: kInt, env: "PAL_SEARCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResults },
	},
	{
		key: "search.depth", typ: kString, env: "PAL_SEARCH_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Search.Depth = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Depth },
	},
	{
		key: "search.timeout", typ: kDuration, env: "PAL_SEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.Timeout },
	},
	{
		key: "search.fetch_pages", typ: kBool, env: "PAL_SEARCH_FETCH_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Search.FetchPages = v.(bool) },
		extract: func(cfg Config) any { return cfg.Search.FetchPages },
	},
	{
		key: "search.cache_ttl", typ: kDuration, env: "PAL_SEARCH_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.CacheTTL },
	},
	{
		key: "search.redis_url", typ: kString, env: "PAL_REDIS_URL", altEnv: "REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Search.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.RedisURL },
	},
	{
		key: "memory.top_k", typ: kInt, env: "PAL_MEMORY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Memory.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.TopK },
	},
	{
		key: "api.token", typ: kString, env: "PAL_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the Go type of the key.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parseValue(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		name := s.env
		raw := os.Getenv(name)
		if raw == "" && s.altEnv != "" {
			name = s.altEnv
			raw = os.Getenv(name)
		}
		if raw == "" {
			continue
		}
		parsed, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}
