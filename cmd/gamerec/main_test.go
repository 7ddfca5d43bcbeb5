package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/gamerec/engine/ingest"
	"github.com/WessleyAI/gamerec/pkg/config"
	"github.com/WessleyAI/gamerec/pkg/natsutil"
)

const testCatalog = "title,genre\nChess,strategy board\nTurbo Racer,racing arcade\n"

// fakeOllama embeds by keyword and answers every chat with a fixed reply.
type fakeOllama struct {
	*httptest.Server
	chats      atomic.Int32
	lastPrompt atomic.Value
}

func keywordVector(text string) []float32 {
	text = strings.ToLower(text)
	v := []float32{0, 0, 0.1}
	if strings.Contains(text, "strategy") {
		v[0] = 1
	}
	if strings.Contains(text, "racing") {
		v[1] = 1
	}
	return v
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"embedding": keywordVector(req.Prompt)})
	})
	mux.HandleFunc("POST /api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i, s := range req.Input {
			out[i] = keywordVector(s)
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if n := len(req.Messages); n > 0 {
			f.lastPrompt.Store(req.Messages[n-1].Content)
		}
		f.chats.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "fake-chat",
			"message":           map[string]string{"role": "assistant", "content": "Try Chess."},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        3,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "games.csv")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Provider.Kind = "ollama"
	cfg.Provider.OllamaURL = ollamaURL
	cfg.Provider.MaxAttempts = 1
	cfg.Catalog.Path = writeCatalog(t)
	cfg.Catalog.Watch = false
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// writeConfigFile renders the settings the CLI tests need as YAML.
func writeConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	yaml := fmt.Sprintf(`provider:
  kind: ollama
  ollama_url: %s
  max_attempts: 1
catalog:
  path: %s
  watch: false
cache:
  path: %s
logging:
  level: error
`, cfg.Provider.OllamaURL, cfg.Catalog.Path, cfg.Cache.Path)
	path := filepath.Join(t.TempDir(), "gamerec.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "gamerec dev") {
		t.Fatalf("out = %q", out)
	}
}

func TestAskCmd(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	out, err := execute(t, "--config", cfgPath, "ask", "--sources", "a", "strategy", "game", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Try Chess.") || !strings.Contains(out, "Sources (k=1)") || !strings.Contains(out, "1. Chess") {
		t.Fatalf("out = %q", out)
	}
	if strings.Contains(out, "Turbo Racer") {
		t.Fatalf("k=1 should keep only the best match: %q", out)
	}
	if ollama.chats.Load() != 1 {
		t.Fatalf("chat calls = %d", ollama.chats.Load())
	}
	prompt, _ := ollama.lastPrompt.Load().(string)
	if !strings.Contains(prompt, "title: Chess") {
		t.Fatalf("prompt missing grounding: %q", prompt)
	}
}

func TestAskCmdJSON(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	out, err := execute(t, "--config", cfgPath, "ask", "--json", "racing games 2")
	if err != nil {
		t.Fatal(err)
	}
	var resp RecommendResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.K != 2 || len(resp.Sources) != 2 || resp.Sources[0].Attributes["title"] != "Turbo Racer" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TokensUsed != 13 || !resp.Grounded {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAskCmdRejectsBareNumber(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	if _, err := execute(t, "--config", cfgPath, "ask", "5"); err == nil {
		t.Fatal("expected error")
	}
	if ollama.chats.Load() != 0 {
		t.Fatal("provider called for invalid input")
	}
}

func TestIndexCmd(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	out, err := execute(t, "--config", cfgPath, "index")
	if err != nil {
		t.Fatal(err)
	}
	if out != "indexed 2 records (dim 3) from games.csv\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestIndexPurgeCache(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	if _, err := execute(t, "--config", cfgPath, "index"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--config", cfgPath, "index", "--purge-cache")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "purged 2 cached vectors for ") {
		t.Fatalf("out = %q", out)
	}
	if lines[1] != "indexed 2 records (dim 3) from games.csv" {
		t.Fatalf("out = %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "index", "--purge-cache")
	if err != nil || !strings.HasPrefix(out, "purged 2 cached vectors") {
		t.Fatalf("rebuilt cache not purged: out=%q err=%v", out, err)
	}
}

func TestIndexSyncNeedsStore(t *testing.T) {
	ollama := newFakeOllama(t)
	cfgPath := writeConfigFile(t, testConfig(t, ollama.URL))

	if _, err := execute(t, "--config", cfgPath, "index", "--sync"); !errors.Is(err, errNoStore) {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigErrorStopsCommand(t *testing.T) {
	if _, err := execute(t, "--config", "/nonexistent/gamerec.yaml", "ask", "chess"); err == nil {
		t.Fatal("expected error")
	}
}

func startNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func connectNATS(t *testing.T, ns *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	return connectNATS(t, startNATSServer(t))
}

func TestNATSRecommend(t *testing.T) {
	ollama := newFakeOllama(t)
	cfg := testConfig(t, ollama.URL)
	cfg.Cache.Enabled = false
	a, err := newApp(context.Background(), cfg, quietLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	nc := startNATS(t)
	if err := a.startNATS(nc); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := natsutil.Request[RecommendRequest, RecommendResponse](ctx, nc, RecommendSubject, RecommendRequest{Message: "strategy 1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "Try Chess." || resp.K != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	_, err = natsutil.Request[RecommendRequest, RecommendResponse](ctx, nc, RecommendSubject, RecommendRequest{Message: "  "})
	var re *natsutil.RemoteError
	if !errors.As(err, &re) || re.Code != "invalid_argument" {
		t.Fatalf("err = %v", err)
	}
}

func TestNATSCatalogChangeRebuildsIndex(t *testing.T) {
	ollama := newFakeOllama(t)
	cfg := testConfig(t, ollama.URL)
	cfg.Cache.Enabled = false
	a, err := newApp(context.Background(), cfg, quietLogger(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	nc := startNATS(t)
	if err := a.startNATS(nc); err != nil {
		t.Fatal(err)
	}
	if a.holder.Current() != nil {
		t.Fatal("index built before any request")
	}
	if err := os.WriteFile(cfg.Catalog.Path, []byte(testCatalog+"Go,strategy board\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ingest.PublishChange(context.Background(), nc, ingest.ChangeEvent{Source: "games.csv", Reason: "edited"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if idx := a.holder.Current(); idx != nil && idx.Len() == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("index not rebuilt after change event")
}

func TestNATSCatalogChangeReachesEveryReplica(t *testing.T) {
	ollama := newFakeOllama(t)
	cfg := testConfig(t, ollama.URL)
	cfg.Cache.Enabled = false
	ns := startNATSServer(t)

	var replicas []*app
	for range 2 {
		a, err := newApp(context.Background(), cfg, quietLogger(), false)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		nc := connectNATS(t, ns)
		if err := a.startNATS(nc); err != nil {
			t.Fatal(err)
		}
		// Make sure the server has the subscription before publishing.
		if err := nc.Flush(); err != nil {
			t.Fatal(err)
		}
		replicas = append(replicas, a)
	}

	pub := connectNATS(t, ns)
	if err := ingest.PublishChange(context.Background(), pub, ingest.ChangeEvent{Source: "games.csv", Reason: "edited"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if replicas[0].holder.Current() != nil && replicas[1].holder.Current() != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("rebuilt: first=%v second=%v", replicas[0].holder.Current() != nil, replicas[1].holder.Current() != nil)
}
