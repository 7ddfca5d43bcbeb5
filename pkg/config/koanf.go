package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"gamerec.yaml",
	"gamerec.yml",
	"/etc/gamerec/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
			RateLimit:    60,
			CORSOrigin:   "*",
		},
		Provider: ProviderConfig{
			Kind:          "openai",
			OpenAIBaseURL: "https://api.openai.com/v1",
			OllamaURL:     "http://localhost:11434",
			Timeout:       30 * time.Second,
			MaxConcurrent: 8,
			RatePerSec:    5,
			Burst:         10,
			MaxAttempts:   3,
		},
		Catalog: CatalogConfig{
			Kind:     "csv",
			Path:     "games.csv",
			Watch:    true,
			Debounce: time.Second,
		},
		Index: IndexConfig{Workers: 4, BatchSize: 64},
		RAG: RAGConfig{
			Temperature:     0,
			MaxK:            50,
			EmbedTimeout:    15 * time.Second,
			SearchTimeout:   5 * time.Second,
			GenerateTimeout: 60 * time.Second,
		},
		Cache: CacheConfig{Enabled: true, Path: "gamerec-embeddings.db"},
		Store: StoreConfig{
			Kind:             "memory",
			QdrantURL:        "localhost:6334",
			QdrantCollection: "games",
			PostgresTable:    "game_embeddings",
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
			Queue:   "gamerec",
			Timeout: 90 * time.Second,
		},
		Neo4j: Neo4jConfig{
			URL:   "neo4j://localhost:7687",
			User:  "neo4j",
			Label: "Game",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads defaults, then the YAML file at path (or the first of
// CONFIG_PATH and DefaultConfigPaths that exists), then the environment.
// The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variables onto config keys. Unmapped
// variables are ignored.
var envMappings = map[string]string{
	"host":          "server.host",
	"port":          "server.port",
	"read_timeout":  "server.read_timeout",
	"write_timeout": "server.write_timeout",
	"rate_limit":    "server.rate_limit",
	"cors_origin":   "server.cors_origin",

	"provider":         "provider.kind",
	"openai_api_key":   "provider.openai_api_key",
	"openai_base_url":  "provider.openai_base_url",
	"ollama_url":       "provider.ollama_url",
	"embed_model":      "provider.embed_model",
	"chat_model":       "provider.chat_model",
	"provider_timeout": "provider.timeout",
	"provider_rps":     "provider.rate_per_sec",
	"provider_burst":   "provider.burst",
	"max_concurrent":   "provider.max_concurrent",
	"max_attempts":     "provider.max_attempts",

	"catalog_kind":      "catalog.kind",
	"catalog_path":      "catalog.path",
	"catalog_id_column": "catalog.id_column",
	"catalog_watch":     "catalog.watch",

	"index_workers":    "index.workers",
	"index_batch_size": "index.batch_size",

	"temperature":      "rag.temperature",
	"max_k":            "rag.max_k",
	"max_tokens":       "rag.max_tokens",
	"generate_timeout": "rag.generate_timeout",

	"embed_cache":      "cache.enabled",
	"embed_cache_path": "cache.path",

	"vector_store":      "store.kind",
	"qdrant_url":        "store.qdrant_url",
	"qdrant_collection": "store.qdrant_collection",
	"postgres_dsn":      "store.postgres_dsn",
	"postgres_table":    "store.postgres_table",

	"nats_enabled": "nats.enabled",
	"nats_url":     "nats.url",
	"nats_queue":   "nats.queue",

	"neo4j_url":      "neo4j.url",
	"neo4j_user":     "neo4j.user",
	"neo4j_pass":     "neo4j.pass",
	"neo4j_database": "neo4j.database",
	"neo4j_label":    "neo4j.label",

	"log_level":  "logging.level",
	"log_format": "logging.format",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
