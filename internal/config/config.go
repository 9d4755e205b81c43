package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Storage StorageConfig
	Ollama  OllamaConfig
	Model   ModelConfig
	OpenAI  OpenAIConfig
	Search  SearchConfig
	Memory  MemoryConfig
	API     APIConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL string
}

// ModelConfig selects the inference provider and the models used for each
// route. Provider is "ollama" or "openai" (any OpenAI-compatible endpoint).
type ModelConfig struct {
	Provider    string
	TextModel   string
	VisionModel string
	EmbedModel  string
	Timeout     time.Duration
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

type SearchConfig struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	Depth      string
	Timeout    time.Duration
	FetchPages bool
	CacheTTL   time.Duration
	RedisURL   string
}

type MemoryConfig struct {
	TopK int
}

type APIConfig struct {
	Token string
}

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Model: ModelConfig{
			Provider:    ProviderOllama,
			TextModel:   "llama3.1",
			VisionModel: "llava",
			EmbedModel:  "nomic-embed-text",
			Timeout:     120 * time.Second,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Search: SearchConfig{
			Endpoint:   "https://api.tavily.com/search",
			MaxResults: 3,
			Depth:      "basic",
			Timeout:    15 * time.Second,
			FetchPages: true,
			CacheTTL:   10 * time.Minute,
		},
		Memory: MemoryConfig{
			TopK: 5,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.pal.app) and secrets
// fall back to macOS Keychain (service: pal).
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/pal/config.yaml
// and secrets fall back to $XDG_DATA_HOME/pal/secrets.json.
//
// Environment variables (PAL_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "pal"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secrets that were not provided through the environment
// from the platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Model.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid config: model.provider %q (want %q or %q)", cfg.Model.Provider, ProviderOllama, ProviderOpenAI)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Search.MaxResults <= 0 {
		return fmt.Errorf("invalid config: search.max_results must be positive")
	}
	return nil
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
