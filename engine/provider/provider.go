// Package provider defines the model-provider capabilities the recommender
// depends on: turning text into an embedding vector and completing a prompt.
// Concrete HTTP clients live in pkg/openai and pkg/ollama; tests inject fakes.
package provider

import "context"

// Embedder maps text to a fixed-length vector. Every call against the same
// model must return vectors of the same dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by providers that embed many texts per request.
// The result has one vector per input, in input order.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionRequest is a single chat-completion call.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	Model       string // empty selects the provider default
	MaxTokens   int    // zero leaves it to the provider
}

// Completion is the generated reply.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Completer produces text from a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// EmbedFunc adapts a function to Embedder.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// CompleteFunc adapts a function to Completer.
type CompleteFunc func(ctx context.Context, req CompletionRequest) (Completion, error)

func (f CompleteFunc) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	return f(ctx, req)
}

// EmbedAll embeds texts using EmbedBatch when e supports it, otherwise one call
// per text.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if be, ok := e.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
