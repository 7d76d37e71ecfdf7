package fantasy

import (
	"context"
	"errors"
	"testing"

	core "charm.land/fantasy"
	"github.com/stretchr/testify/require"

	"lenslate/pkg/config"
	providertypes "lenslate/pkg/provider/types"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct {
	response *core.Response
	err      error
	lastCall core.Call
}

func (f *fakeLanguageModel) Generate(_ context.Context, call core.Call) (*core.Response, error) {
	f.lastCall = call
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "google" }
func (f *fakeLanguageModel) Model() string    { return "gemini-2.5-flash" }

func TestNewRejectsOtherProviders(t *testing.T) {
	cfg := config.Default()
	cfg.AI.Provider = "openai"
	cfg.Providers.Gemini.APIKey = "key"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Gemini.APIKey = "  "

	_, err := New(cfg)
	require.ErrorContains(t, err, "GEMINI_API_KEY")
}

func TestNewAppliesGenerationSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Gemini.APIKey = "key"
	cfg.AI.Model = "gemini/gemini-2.0-flash"
	cfg.AI.MaxTokens = 512
	cfg.AI.Temperature = 0.2

	client, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, "gemini-2.0-flash", client.modelID)
	require.NotNil(t, client.maxOutputTokens)
	require.Equal(t, int64(512), *client.maxOutputTokens)
	require.NotNil(t, client.temperature)
	require.InDelta(t, 0.2, *client.temperature, 1e-9)
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gemini-2.5-flash", want: "gemini-2.5-flash"},
		{name: "gemini prefixed", input: "gemini/gemini-2.5-flash", want: "gemini-2.5-flash"},
		{name: "google prefixed", input: "google/gemini-2.5-pro", want: "gemini-2.5-pro"},
		{name: "other provider", input: "openai/gpt-4o", wantErr: true},
		{name: "dangling prefix", input: "gemini/", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeModel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHealthResolvesConfiguredModel(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	client := &Client{provider: provider, modelID: "gemini-2.5-flash"}

	require.NoError(t, client.Health(context.Background()))
	require.Equal(t, 1, provider.callCount)
	require.Equal(t, "gemini-2.5-flash", provider.lastID)

	provider.err = errors.New("unavailable")
	require.Error(t, client.Health(context.Background()))
}

func TestDescribeSendsInstructionAndImage(t *testing.T) {
	model := &fakeLanguageModel{response: &core.Response{
		Content: core.ResponseContent{core.TextContent{Text: "  HELLO  "}},
		Usage:   core.Usage{InputTokens: 300, OutputTokens: 2, TotalTokens: 302},
	}}
	client := &Client{provider: &fakeLanguageModelProvider{model: model}, modelID: "gemini-2.5-flash"}

	result, err := client.Describe(context.Background(), providertypes.ImageRequest{
		Instruction: "Transcribe",
		Image:       []byte("IMG1"),
		MediaType:   "image/png",
	})
	require.NoError(t, err)
	require.Equal(t, "HELLO", result.Text)
	require.Equal(t, "gemini", result.Metadata.Provider)
	require.Equal(t, "gemini-2.5-flash", result.Metadata.Model)
	require.NotNil(t, result.Metadata.Usage)
	require.Equal(t, int64(302), result.Metadata.Usage.TotalTokens)

	require.Len(t, model.lastCall.Prompt, 1)
	message := model.lastCall.Prompt[0]
	require.Equal(t, core.MessageRoleUser, message.Role)
	require.Len(t, message.Content, 2)

	text, ok := message.Content[0].(core.TextPart)
	require.True(t, ok)
	require.Equal(t, "Transcribe", text.Text)

	file, ok := message.Content[1].(core.FilePart)
	require.True(t, ok)
	require.Equal(t, []byte("IMG1"), file.Data)
	require.Equal(t, "image/png", file.MediaType)
}

func TestDescribeValidatesInput(t *testing.T) {
	client := &Client{provider: &fakeLanguageModelProvider{model: &fakeLanguageModel{}}, modelID: "gemini-2.5-flash"}

	_, err := client.Describe(context.Background(), providertypes.ImageRequest{Image: []byte("x")})
	require.Error(t, err)

	_, err = client.Describe(context.Background(), providertypes.ImageRequest{Instruction: "Transcribe"})
	require.Error(t, err)
}

func TestDescribeFailsOnEmptyOrErroredGeneration(t *testing.T) {
	req := providertypes.ImageRequest{Instruction: "Transcribe", Image: []byte("IMG1"), MediaType: "image/png"}

	empty := &Client{
		provider: &fakeLanguageModelProvider{model: &fakeLanguageModel{response: &core.Response{
			Content: core.ResponseContent{core.ReasoningContent{Text: "thinking"}},
		}}},
		modelID: "gemini-2.5-flash",
	}
	_, err := empty.Describe(context.Background(), req)
	require.ErrorContains(t, err, "no text")

	boom := errors.New("quota exceeded")
	failing := &Client{
		provider: &fakeLanguageModelProvider{model: &fakeLanguageModel{err: boom}},
		modelID:  "gemini-2.5-flash",
	}
	_, err = failing.Describe(context.Background(), req)
	require.ErrorIs(t, err, boom)
}

func TestExtractText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	require.Equal(t, "first\nsecond", extractText(content))
}
