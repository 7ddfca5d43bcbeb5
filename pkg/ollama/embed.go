// Package ollama implements the embedding and chat-completion capabilities
// against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/WessleyAI/gamerec/engine/provider"
)

const (
	DefaultBaseURL    = "http://localhost:11434"
	DefaultEmbedModel = "nomic-embed-text"
	DefaultChatModel  = "llama3.1:8b"

	providerName = "ollama"
)

// Client speaks Ollama's HTTP API.
type Client struct {
	baseURL    string
	embedModel string
	chatModel  string
	client     *http.Client
}

var (
	_ provider.BatchEmbedder = (*Client)(nil)
	_ provider.Completer     = (*Client)(nil)
)

// New creates an Ollama client. Empty arguments select defaults.
func New(baseURL, embedModel, chatModel string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		embedModel: embedModel,
		chatModel:  chatModel,
		client:     &http.Client{},
	}
}

// EmbedModel returns the configured embedding model name.
func (c *Client) EmbedModel() string { return c.embedModel }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResp
	if err := c.post(ctx, "/api/embeddings", embedReq{Model: c.embedModel, Prompt: text}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding")
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

type embedBatchReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedBatchResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds texts in one call to /api/embed.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result embedBatchResp
	if err := c.post(ctx, "/api/embed", embedBatchReq{Model: c.embedModel, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed batch: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed batch: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &provider.StatusError{Provider: providerName, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
