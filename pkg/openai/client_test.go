package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/WessleyAI/gamerec/engine/provider"
)

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != DefaultEmbedModel || len(req.Input) != 2 {
			t.Errorf("req = %+v", req)
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if _, err := New(Config{BaseURL: srv.URL}).Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for missing embedding")
	}
}

func TestCompleteSendsTemperatureZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatal(err)
		}
		if temp, ok := raw["temperature"]; !ok || temp.(float64) != 0 {
			t.Errorf("temperature = %v (present=%v)", temp, ok)
		}
		if raw["model"] != DefaultChatModel {
			t.Errorf("model = %v", raw["model"])
		}
		msgs := raw["messages"].([]any)
		if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
			t.Errorf("messages = %v", msgs)
		}
		w.Write([]byte(`{"model":"gpt-3.5-turbo-16k-0613","choices":[{"message":{"role":"assistant","content":"Play Chess Royale."}}],"usage":{"prompt_tokens":40,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), provider.CompletionRequest{System: "sys", Prompt: "chess"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Play Chess Royale." || out.PromptTokens != 40 || out.CompletionTokens != 5 {
		t.Fatalf("out = %+v", out)
	}
}

func TestStatusErrorCarriesAPIMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), provider.CompletionRequest{Prompt: "x"})
	var se *provider.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests || se.Body != "Rate limit reached" {
		t.Fatalf("se = %+v", se)
	}
	if !provider.IsTransient(err) {
		t.Fatal("429 should be transient")
	}
}

func TestEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	if _, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), provider.CompletionRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
