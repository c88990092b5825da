package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/ollama"
)

// OllamaProvider streams chat completions from a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(c *ollama.Client, model string) *OllamaProvider {
	return &OllamaProvider{client: c, model: model}
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) Open(ctx context.Context, b composer.Bundle, params Params) (ChunkReader, error) {
	model := params.Model
	if model == "" {
		model = p.model
	}
	var opts *ollama.Options
	if params.Temperature != nil || params.MaxTokens > 0 {
		opts = &ollama.Options{Temperature: params.Temperature, NumPredict: params.MaxTokens}
	}
	body, err := p.client.ChatStream(ctx, model, []ollama.Message{
		{Role: "system", Content: b.SystemPrompt},
		{Role: "user", Content: b.UserPrompt},
	}, opts)
	if err != nil {
		return nil, err
	}
	return &frameReader{next: lineReader(body), decode: decodeNDJSONFrame, body: body}, nil
}

func lineReader(r io.Reader) func() ([]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return func() ([]byte, error) {
		for sc.Scan() {
			if line := sc.Bytes(); len(line) > 0 {
				return line, nil
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

func decodeNDJSONFrame(line []byte) ([]Chunk, error) {
	var f ollama.ChatFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return []Chunk{Malformed()}, nil
	}
	if f.Error != "" {
		return nil, errors.New(f.Error)
	}

	var out []Chunk
	if f.Message != nil {
		out = append(out, Content(f.Message.Content))
	}
	if f.Done {
		out = append(out, UsageChunk(lesson.Usage{
			PromptTokens:     f.PromptEvalCount,
			CompletionTokens: f.EvalCount,
			TotalTokens:      f.PromptEvalCount + f.EvalCount,
		}))
	}
	if len(out) == 0 {
		return []Chunk{Malformed()}, nil
	}
	return out, nil
}
