// Package llm abstracts the model provider behind a small completion
// interface. The pipeline treats a completion as opaque text plus token
// usage counts.
package llm

import "context"

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is one model completion.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Client is the completion interface the pipeline consumes.
type Client interface {
	// Complete sends a system and user prompt and returns the completion.
	Complete(ctx context.Context, system, prompt string) (*Response, error)

	// Model names the underlying model, for logs and metrics labels.
	Model() string
}
