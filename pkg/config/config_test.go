package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test from an empty directory with no config env set.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")
	for k := range envMappings {
		name := strings.ToUpper(k)
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

func TestDefaultsValidateWithKey(t *testing.T) {
	cfg := Default()
	cfg.Provider.OpenAIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.RAG.Temperature != 0 || cfg.RAG.MaxK != 50 {
		t.Fatalf("rag = %+v", cfg.RAG)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PROVIDER", "ollama")
	t.Setenv("OLLAMA_URL", "http://ollama:11434")
	t.Setenv("EMBED_MODEL", "nomic-embed-text")
	t.Setenv("GENERATE_TIMEOUT", "90s")
	t.Setenv("CATALOG_WATCH", "false")
	t.Setenv("TEMPERATURE", "0.3")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Provider.Kind != "ollama" || cfg.Provider.OllamaURL != "http://ollama:11434" || cfg.Provider.EmbedModel != "nomic-embed-text" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.RAG.GenerateTimeout != 90*time.Second || cfg.RAG.Temperature != 0.3 {
		t.Errorf("rag = %+v", cfg.RAG)
	}
	if cfg.Catalog.Watch {
		t.Error("watch should be disabled")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "gamerec.yaml")
	yaml := `
server:
  port: 7000
catalog:
  path: /data/games.csv
store:
  kind: qdrant
  qdrant_collection: steam
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("env must override file: port = %d", cfg.Server.Port)
	}
	if cfg.Catalog.Path != "/data/games.csv" || cfg.Store.Kind != "qdrant" || cfg.Store.QdrantCollection != "steam" {
		t.Errorf("file values lost: %+v %+v", cfg.Catalog, cfg.Store)
	}
	if cfg.Store.QdrantURL != "localhost:6334" {
		t.Errorf("default lost: %q", cfg.Store.QdrantURL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadFindsDefaultFile(t *testing.T) {
	isolate(t)
	if err := os.WriteFile("gamerec.yaml", []byte("server:\n  port: 6000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 6000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load("/nonexistent/gamerec.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing api key":  func(c *Config) { c.Provider.OpenAIKey = "" },
		"bad provider":     func(c *Config) { c.Provider.Kind = "bard" },
		"bad port":         func(c *Config) { c.Server.Port = 70000 },
		"temperature":      func(c *Config) { c.RAG.Temperature = 3 },
		"pgvector dsn":     func(c *Config) { c.Store.Kind = "pgvector" },
		"bad store":        func(c *Config) { c.Store.Kind = "faiss" },
		"csv without path": func(c *Config) { c.Catalog.Path = "" },
		"log level":        func(c *Config) { c.Logging.Level = "verbose" },
		"zero workers":     func(c *Config) { c.Index.Workers = 0 },
		"cache path":       func(c *Config) { c.Cache.Path = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		cfg.Provider.OpenAIKey = "sk-test"
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		} else if !strings.Contains(err.Error(), "invalid configuration") {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	cfg := Default()
	cfg.Provider.Kind = "ollama"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	if got := envTransformFunc("QDRANT_URL"); got != "store.qdrant_url" {
		t.Fatalf("got %q", got)
	}
	if got := envTransformFunc("HOME"); got != "" {
		t.Fatalf("unmapped variable mapped to %q", got)
	}
}
