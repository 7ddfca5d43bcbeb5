package ollama

import (
	"context"
	"fmt"

	"github.com/WessleyAI/gamerec/engine/provider"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatReq struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResp struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Complete runs a non-streaming /api/chat call.
func (c *Client) Complete(ctx context.Context, req provider.CompletionRequest) (provider.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.chatModel
	}
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := chatReq{
		Model:    model,
		Messages: msgs,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	var result chatResp
	if err := c.post(ctx, "/api/chat", body, &result); err != nil {
		return provider.Completion{}, fmt.Errorf("ollama chat: %w", err)
	}
	if result.Model != "" {
		model = result.Model
	}
	return provider.Completion{
		Text:             result.Message.Content,
		Model:            model,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}
