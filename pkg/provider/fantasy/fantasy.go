// Package fantasy backs the image client with charm.land/fantasy language models.
// Gemini is reached through the fantasy Google provider.
package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	core "charm.land/fantasy"
	providergoogle "charm.land/fantasy/providers/google"

	"lenslate/pkg/config"
	providertypes "lenslate/pkg/provider/types"
)

const providerName = "gemini"

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type Client struct {
	provider        languageModelProvider
	modelID         string
	requestTimeout  time.Duration
	maxOutputTokens *int64
	temperature     *float64
}

func New(cfg *config.Config) (*Client, error) {
	if provider := strings.TrimSpace(cfg.AI.Provider); provider != providerName {
		return nil, fmt.Errorf("fantasy client supports only provider %s, got %q", providerName, provider)
	}

	apiKey := strings.TrimSpace(cfg.Providers.Gemini.APIKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY must be set")
	}

	modelID, err := normalizeModel(cfg.AI.Model)
	if err != nil {
		return nil, err
	}

	googleProvider, err := providergoogle.New(providergoogle.WithGeminiAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy google provider: %w", err)
	}

	client := &Client{
		provider:       googleProvider,
		modelID:        modelID,
		requestTimeout: time.Duration(cfg.AI.RequestTimeoutSeconds) * time.Second,
	}
	if cfg.AI.MaxTokens > 0 {
		maxTokens := int64(cfg.AI.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if cfg.AI.Temperature > 0 {
		temp := cfg.AI.Temperature
		client.temperature = &temp
	}

	return client, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// Describe sends one user turn holding the instruction and the image.
func (c *Client) Describe(ctx context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := slog.Default().With("component", "provider.fantasy", "model", c.modelID)

	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return providertypes.PromptResult{}, errors.New("instruction is required")
	}
	if len(req.Image) == 0 {
		return providertypes.PromptResult{}, errors.New("image is required")
	}

	languageModel, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return providertypes.PromptResult{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := core.Call{
		Prompt: core.Prompt{
			{
				Role: core.MessageRoleUser,
				Content: []core.MessagePart{
					core.TextPart{Text: instruction},
					core.FilePart{Data: req.Image, MediaType: req.MediaType},
				},
			},
		},
		MaxOutputTokens: c.maxOutputTokens,
		Temperature:     c.temperature,
	}

	startedAt := time.Now()
	log.Debug("provider request started", "image_bytes", len(req.Image), "media_type", req.MediaType)
	response, err := languageModel.Generate(ctx, call)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("generate failed: %w", err)
	}

	text := extractText(response.Content)
	if text == "" {
		return providertypes.PromptResult{}, errors.New("generate succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := providertypes.TokenUsage{
		InputTokens:     response.Usage.InputTokens,
		OutputTokens:    response.Usage.OutputTokens,
		TotalTokens:     response.Usage.TotalTokens,
		ReasoningTokens: response.Usage.ReasoningTokens,
	}
	metadata := providertypes.PromptMetadata{Provider: providerName, Model: c.modelID}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.PromptResult{Text: text, Metadata: metadata}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

// normalizeModel accepts "gemini-2.5-flash" and "gemini/gemini-2.5-flash".
func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok {
		return model, nil
	}

	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != providerName && providerID != "google" {
		return "", fmt.Errorf("model provider %q is not supported by the gemini client", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0, len(content))
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		if line := strings.TrimSpace(textPart.Text); line != "" {
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n")
}
