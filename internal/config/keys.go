package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
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
		key: "server.port", typ: kInt, env: "LESSONFORGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LESSONFORGE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "LESSONFORGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.kind", typ: kString, env: "LESSONFORGE_PROVIDER_KIND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Kind },
	},
	{
		key: "provider.model", typ: kString, env: "LESSONFORGE_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.max_tokens", typ: kInt, env: "LESSONFORGE_PROVIDER_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Provider.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.MaxTokens },
	},
	{
		key: "provider.temperature", typ: kFloat, env: "LESSONFORGE_PROVIDER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Provider.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.Temperature },
	},
	{
		key: "provider.enabled", typ: kBool, env: "LESSONFORGE_PROVIDER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Provider.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Provider.Enabled },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "LESSONFORGE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LESSONFORGE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "retrieval.kind", typ: kString, env: "LESSONFORGE_RETRIEVAL_KIND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Kind },
	},
	{
		key: "retrieval.url", typ: kString, env: "LESSONFORGE_RETRIEVAL_URL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.URL },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "LESSONFORGE_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "retrieval.batch_timeout", typ: kDuration, env: "LESSONFORGE_RETRIEVAL_BATCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.BatchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.BatchTimeout },
	},
	{
		key: "retrieval.max_chars", typ: kInt, env: "LESSONFORGE_RETRIEVAL_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxChars },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "LESSONFORGE_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "cache.enabled", typ: kBool, env: "LESSONFORGE_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "LESSONFORGE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "LESSONFORGE_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LESSONFORGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "events.nats_url", typ: kString, env: "LESSONFORGE_EVENTS_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.Events.NATSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.NATSURL },
	},
	{
		key: "events.subject", typ: kString, env: "LESSONFORGE_EVENTS_SUBJECT",
		apply:   func(cfg *Config, v any) { cfg.Events.Subject = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.Subject },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "LESSONFORGE_TELEMETRY_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "telemetry.otlp_insecure", typ: kBool, env: "LESSONFORGE_TELEMETRY_OTLP_INSECURE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPInsecure = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPInsecure },
	},
	{
		key: "id.prefix", typ: kString, env: "LESSONFORGE_ID_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.ID.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.ID.Prefix },
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

// parseValue converts raw text into the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
