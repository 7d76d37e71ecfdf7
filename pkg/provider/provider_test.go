package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lenslate/pkg/config"
	providerfantasy "lenslate/pkg/provider/fantasy"
	provideropenai "lenslate/pkg/provider/openai"
)

func TestNewDefaultsToGemini(t *testing.T) {
	cfg := config.Default()
	cfg.AI.Provider = ""
	cfg.Providers.Gemini.APIKey = "gemini-key"

	client, err := New(cfg)
	require.NoError(t, err)
	require.IsType(t, &providerfantasy.Client{}, client)
}

func TestNewReturnsOpenAIProvider(t *testing.T) {
	cfg := config.Default()
	cfg.AI.Provider = "openai"
	cfg.AI.Model = "gpt-4o-mini"
	cfg.Providers.OpenAI.APIKey = "sk-test"

	client, err := New(cfg)
	require.NoError(t, err)
	require.IsType(t, &provideropenai.Client{}, client)
}

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	cfg := config.Default()
	cfg.AI.Provider = "unknown"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewPropagatesMissingCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Gemini.APIKey = ""

	_, err := New(cfg)
	require.Error(t, err)
}
