package proxy

import "encoding/json"

// ChatMessage is one OpenAI-style chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamOptions asks the upstream to append a usage frame to the stream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is the OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamFrame is the decoded payload of one SSE data line. Every field is
// optional because upstreams disagree on shape: chat models send
// choices[].delta.content, legacy completion models send choices[].text, the
// terminal frame may carry only usage, and failures arrive as error.
type StreamFrame struct {
	Choices []FrameChoice `json:"choices"`
	Usage   *FrameUsage   `json:"usage"`
	Error   *APIError     `json:"error"`
}

type FrameChoice struct {
	Delta        *FrameDelta `json:"delta"`
	Text         *string     `json:"text"`
	FinishReason *string     `json:"finish_reason"`
}

type FrameDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content"`
}

type FrameUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is the error object OpenRouter embeds in stream frames and
// error bodies.
type APIError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	return "upstream error: " + e.Message
}

// Model represents a model entry returned by the /v1/models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
