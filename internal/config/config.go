package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Provider  ProviderConfig
	Ollama    OllamaConfig
	Retrieval RetrievalConfig
	Cache     CacheConfig
	Storage   StorageConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
	ID        IDConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	Kind             string // openrouter | ollama
	Model            string
	MaxTokens        int
	Temperature      float64
	Enabled          bool
	OpenRouterAPIKey string
}

type OllamaConfig struct {
	BaseURL string
}

type RetrievalConfig struct {
	Kind         string // sqlite | http | none
	URL          string
	Timeout      time.Duration
	BatchTimeout time.Duration
	MaxChars     int
	Limit        int
}

type CacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

type StorageConfig struct {
	DataDir string
}

type EventsConfig struct {
	NATSURL string
	Subject string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	OTLPInsecure bool
}

type IDConfig struct {
	Prefix string
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"

	RetrievalSQLite = "sqlite"
	RetrievalHTTP   = "http"
	RetrievalNone   = "none"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			Kind:        ProviderOpenRouter,
			Model:       "deepseek/deepseek-chat",
			MaxTokens:   4000,
			Temperature: 0.7,
			Enabled:     true,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Retrieval: RetrievalConfig{
			Kind:         RetrievalSQLite,
			Timeout:      3 * time.Second,
			BatchTimeout: 10 * time.Second,
			MaxChars:     4000,
			Limit:        5,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        30 * time.Minute,
			MaxEntries: 500,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Events: EventsConfig{
			Subject: "lessonforge.generation.outcome",
		},
		ID: IDConfig{
			Prefix: "GEN",
		},
	}
}

// Load reads configuration from the YAML file backend, environment variables
// and the secrets file.
//
// The backend is a YAML file at $XDG_CONFIG_HOME/lessonforge/config.yaml.
// Environment variables (LESSONFORGE_*) override backend values. Secrets
// are never read from the config file: they come from the environment or
// from $XDG_DATA_HOME/lessonforge/secrets.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Fill secrets still empty after env overrides from the secrets file.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and required secrets.
func (c Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderOpenRouter, ProviderOllama:
	default:
		return fmt.Errorf("invalid provider.kind %q: want %s or %s", c.Provider.Kind, ProviderOpenRouter, ProviderOllama)
	}
	switch c.Retrieval.Kind {
	case RetrievalSQLite, RetrievalNone:
	case RetrievalHTTP:
		if strings.TrimSpace(c.Retrieval.URL) == "" {
			return fmt.Errorf("missing required config: retrieval.url must be set when retrieval.kind is %s", RetrievalHTTP)
		}
	default:
		return fmt.Errorf("invalid retrieval.kind %q: want sqlite, http or none", c.Retrieval.Kind)
	}
	if c.Provider.Enabled && c.Provider.Kind == ProviderOpenRouter && c.Provider.OpenRouterAPIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable LESSONFORGE_OPENROUTER_API_KEY " +
			"or `lessonforge config set provider.openrouter_api_key <key>`")
	}
	if c.Retrieval.Timeout <= 0 || c.Retrieval.BatchTimeout <= 0 {
		return fmt.Errorf("retrieval timeouts must be positive")
	}
	return nil
}
