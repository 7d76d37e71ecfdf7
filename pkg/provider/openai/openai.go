package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"lenslate/pkg/config"
	providertypes "lenslate/pkg/provider/types"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4o-mini"
)

type Client struct {
	client          osdk.Client
	modelID         string
	requestTimeout  time.Duration
	maxOutputTokens int64
	temperature     float64
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeModel(cfg.AI.Model)
	if err != nil {
		return nil, err
	}

	// Failures are reported to the user, who resends; the SDK must not retry on its own.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(cfg.AI.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:          osdk.NewClient(opts...),
		modelID:         modelID,
		requestTimeout:  requestTimeout,
		maxOutputTokens: int64(cfg.AI.MaxTokens),
		temperature:     cfg.AI.Temperature,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Describe sends the instruction and the image inline as a data URL.
func (c *Client) Describe(ctx context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "describe", "model", c.modelID)
	startedAt := time.Now()

	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return providertypes.PromptResult{}, errors.New("instruction is required")
	}
	if len(req.Image) == 0 {
		return providertypes.PromptResult{}, errors.New("image is required")
	}

	params := osdk.ChatCompletionNewParams{
		Model: osdk.ChatModel(c.modelID),
		Messages: []osdk.ChatCompletionMessageParamUnion{
			osdk.UserMessage([]osdk.ChatCompletionContentPartUnionParam{
				osdk.TextContentPart(instruction),
				osdk.ImageContentPart(osdk.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(req.MediaType, req.Image),
				}),
			}),
		},
	}
	if c.maxOutputTokens > 0 {
		params.MaxCompletionTokens = osdk.Int(c.maxOutputTokens)
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}

	log.Debug("provider request started", "image_bytes", len(req.Image), "media_type", req.MediaType)
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("chat completion failed: %w", err)
	}

	text := ""
	if len(completion.Choices) > 0 {
		text = strings.TrimSpace(completion.Choices[0].Message.Content)
	}
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.PromptResult{}, errors.New("chat completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := providertypes.TokenUsage{
		InputTokens:     completion.Usage.PromptTokens,
		OutputTokens:    completion.Usage.CompletionTokens,
		TotalTokens:     completion.Usage.TotalTokens,
		ReasoningTokens: completion.Usage.CompletionTokensDetails.ReasoningTokens,
	}
	metadata := providertypes.PromptMetadata{Provider: providerName, Model: c.modelID}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.PromptResult{Text: text, Metadata: metadata}, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func dataURL(mediaType string, data []byte) string {
	if strings.TrimSpace(mediaType) == "" {
		mediaType = "image/jpeg"
	}

	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return defaultModel, nil
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
	if providerID != providerName {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
