package stream

import (
	"context"
	"encoding/json"

	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/proxy"
)

// OpenRouterProvider streams chat completions from OpenRouter.
type OpenRouterProvider struct {
	client *proxy.Client
	model  string
}

func NewOpenRouterProvider(c *proxy.Client, model string) *OpenRouterProvider {
	return &OpenRouterProvider{client: c, model: model}
}

func (p *OpenRouterProvider) Name() string  { return "openrouter" }
func (p *OpenRouterProvider) Model() string { return p.model }

func (p *OpenRouterProvider) Open(ctx context.Context, b composer.Bundle, params Params) (ChunkReader, error) {
	model := params.Model
	if model == "" {
		model = p.model
	}
	body, err := p.client.Chat(ctx, proxy.ChatRequest{
		Model: model,
		Messages: []proxy.ChatMessage{
			{Role: "system", Content: b.SystemPrompt},
			{Role: "user", Content: b.UserPrompt},
		},
		Stream:        true,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		StreamOptions: &proxy.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}
	events := proxy.NewEventReader(body)
	return &frameReader{next: events.Next, decode: decodeSSEFrame, body: body}, nil
}

// decodeSSEFrame normalizes one OpenAI-style data payload. Content comes from
// choices[0].delta.content or the legacy choices[0].text; a usage object
// yields a usage chunk; an error object fails the stream. Any other shape,
// including a null delta, is malformed.
func decodeSSEFrame(data []byte) ([]Chunk, error) {
	var f proxy.StreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return []Chunk{Malformed()}, nil
	}
	if f.Error != nil {
		return nil, f.Error
	}

	var out []Chunk
	if len(f.Choices) > 0 {
		c := f.Choices[0]
		switch {
		case c.Delta != nil && c.Delta.Content != nil:
			out = append(out, Content(*c.Delta.Content))
		case c.Text != nil:
			out = append(out, Content(*c.Text))
		case c.FinishReason != nil && f.Usage == nil:
			// A bare finish frame carries nothing to write.
			return []Chunk{Content("")}, nil
		}
	}
	if f.Usage != nil {
		out = append(out, UsageChunk(lesson.Usage{
			PromptTokens:     f.Usage.PromptTokens,
			CompletionTokens: f.Usage.CompletionTokens,
			TotalTokens:      f.Usage.TotalTokens,
		}))
	}
	if len(out) == 0 {
		return []Chunk{Malformed()}, nil
	}
	return out, nil
}
