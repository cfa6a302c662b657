package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is used when the configuration names none.
const DefaultModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini-backed client.
type GeminiConfig struct {
	APIKey          string
	Model           string
	MaxOutputTokens int32
	Temperature     float32
}

// GeminiClient implements Client over the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini completion client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, cfg: cfg, logger: logger}, nil
}

func (c *GeminiClient) Model() string { return c.model }

// Complete sends one prompt and collects the text plus usage counts.
func (c *GeminiClient) Complete(ctx context.Context, system, prompt string) (*Response, error) {
	start := time.Now()

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if c.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = c.cfg.MaxOutputTokens
	}
	if c.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(c.cfg.Temperature)
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, errors.New("model returned an empty completion")
	}

	resp := &Response{Text: text}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
		}
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"duration", time.Since(start),
		"tokens", resp.Usage.TotalTokens)
	return resp, nil
}
