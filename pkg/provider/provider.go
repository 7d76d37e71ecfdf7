// Package provider resolves the AI client that turns an instruction plus an image into text.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"lenslate/pkg/config"
	providerfantasy "lenslate/pkg/provider/fantasy"
	provideropenai "lenslate/pkg/provider/openai"
	providertypes "lenslate/pkg/provider/types"
)

type Client interface {
	Health(ctx context.Context) error
	Describe(ctx context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error)
}

func New(cfg *config.Config) (Client, error) {
	providerID := cfg.AI.Provider
	if providerID == "" {
		providerID = config.DefaultProvider
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID, "model", cfg.AI.Model)

	switch providerID {
	case "gemini":
		return providerfantasy.New(cfg)
	case "openai":
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
