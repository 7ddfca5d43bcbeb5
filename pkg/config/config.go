// Package config loads gamerec settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import "time"

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Provider ProviderConfig `koanf:"provider"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Index    IndexConfig    `koanf:"index"`
	RAG      RAGConfig      `koanf:"rag"`
	Cache    CacheConfig    `koanf:"cache"`
	Store    StoreConfig    `koanf:"store"`
	NATS     NATSConfig     `koanf:"nats"`
	Neo4j    Neo4jConfig    `koanf:"neo4j"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit  int    `koanf:"rate_limit" validate:"min=0"`
	CORSOrigin string `koanf:"cors_origin"`
}

// ProviderConfig selects and tunes the embedding and completion vendor.
type ProviderConfig struct {
	Kind          string        `koanf:"kind" validate:"oneof=openai ollama"`
	OpenAIKey     string        `koanf:"openai_api_key"`
	OpenAIBaseURL string        `koanf:"openai_base_url" validate:"omitempty,url"`
	OllamaURL     string        `koanf:"ollama_url" validate:"omitempty,url"`
	EmbedModel    string        `koanf:"embed_model"`
	ChatModel     string        `koanf:"chat_model"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxConcurrent int64         `koanf:"max_concurrent" validate:"min=1"`
	RatePerSec    float64       `koanf:"rate_per_sec" validate:"min=0"`
	Burst         int           `koanf:"burst" validate:"min=0"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"min=1,max=10"`
}

// CatalogConfig locates the game catalog.
type CatalogConfig struct {
	Kind     string        `koanf:"kind" validate:"oneof=csv neo4j"`
	Path     string        `koanf:"path"`
	IDColumn string        `koanf:"id_column"`
	Watch    bool          `koanf:"watch"`
	Debounce time.Duration `koanf:"debounce"`
}

// IndexConfig tunes the in-memory index build.
type IndexConfig struct {
	Workers   int `koanf:"workers" validate:"min=1"`
	BatchSize int `koanf:"batch_size" validate:"min=1"`
}

// RAGConfig tunes the recommendation pipeline.
type RAGConfig struct {
	Temperature     float64       `koanf:"temperature" validate:"min=0,max=2"`
	MaxK            int           `koanf:"max_k" validate:"min=0"`
	MaxTokens       int           `koanf:"max_tokens" validate:"min=0"`
	System          string        `koanf:"system"`
	EmbedTimeout    time.Duration `koanf:"embed_timeout"`
	SearchTimeout   time.Duration `koanf:"search_timeout"`
	GenerateTimeout time.Duration `koanf:"generate_timeout"`
}

// CacheConfig configures the persistent embedding cache.
type CacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// StoreConfig selects where retrieval searches: the in-memory index or an
// external mirror.
type StoreConfig struct {
	Kind             string `koanf:"kind" validate:"oneof=memory qdrant pgvector"`
	QdrantURL        string `koanf:"qdrant_url"`
	QdrantCollection string `koanf:"qdrant_collection"`
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresTable    string `koanf:"postgres_table"`
}

// NATSConfig configures messaging.
type NATSConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url"`
	Queue   string        `koanf:"queue"`
	Timeout time.Duration `koanf:"timeout"`
}

// Neo4jConfig configures the graph catalog source.
type Neo4jConfig struct {
	URL      string `koanf:"url"`
	User     string `koanf:"user"`
	Pass     string `koanf:"pass"`
	Database string `koanf:"database"`
	Label    string `koanf:"label"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}
