package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"lenslate/pkg/action"
	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/config"
	"lenslate/pkg/dispatch"
	"lenslate/pkg/media"
	providertypes "lenslate/pkg/provider/types"
	"lenslate/pkg/session"

	"github.com/stretchr/testify/require"
)

type fakeGatewayProvider struct {
	mu sync.Mutex

	healthCalls  int
	healthErr    error
	describeErr  error
	instructions []string
	mediaTypes   []string
}

func (p *fakeGatewayProvider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthCalls++
	return p.healthErr
}

func (p *fakeGatewayProvider) Describe(_ context.Context, req providertypes.ImageRequest) (providertypes.PromptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instructions = append(p.instructions, req.Instruction)
	p.mediaTypes = append(p.mediaTypes, req.MediaType)
	if p.describeErr != nil {
		return providertypes.PromptResult{}, p.describeErr
	}

	return providertypes.PromptResult{
		Text: "text:" + string(req.Image),
		Metadata: providertypes.PromptMetadata{
			Provider: "gemini",
			Usage:    &providertypes.TokenUsage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33},
		},
	}, nil
}

func (p *fakeGatewayProvider) setHealthErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *fakeGatewayProvider) snapshot() (int, []string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthCalls, append([]string(nil), p.instructions...), append([]string(nil), p.mediaTypes...)
}

// scriptedTransport serves attachment bytes from memory and records replies.
type scriptedTransport struct {
	adapter *scriptedAdapter
	images  map[string][]byte
}

func (t *scriptedTransport) Fetch(_ context.Context, ref media.Ref) ([]byte, error) {
	data, ok := t.images[ref.FileID]
	if !ok {
		return nil, fmt.Errorf("no such file %q", ref.FileID)
	}
	return data, nil
}

func (t *scriptedTransport) SendText(_ context.Context, text string) error {
	t.adapter.record(text)
	return nil
}

func (t *scriptedTransport) SendOptions(_ context.Context, text string, rows [][]action.Option) error {
	t.adapter.record(fmt.Sprintf("%s [%d rows]", text, len(rows)))
	return nil
}

func (t *scriptedTransport) AckSelection(context.Context, string) error {
	return nil
}

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundEvent
	images  map[string][]byte

	mu      sync.Mutex
	replies []string
	done    chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	transport := &scriptedTransport{adapter: a, images: a.images}
	for _, event := range a.inbound {
		// Errors are already reported to the user through the transport.
		_ = handler(ctx, transport, event)
	}

	close(a.done)

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) record(reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, reply)
}

func (a *scriptedAdapter) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.replies...)
}

func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freeTCPPort(t)
	return cfg
}

func imageEvent(conversation string, fileID string) bus.InboundEvent {
	return bus.InboundEvent{
		Kind:           bus.KindDocument,
		Channel:        "telegram",
		SenderID:       "7",
		ConversationID: conversation,
		Attachment:     &media.Ref{FileID: fileID, FileName: fileID, DeclaredType: string(media.PNG)},
	}
}

func selectionEvent(conversation string, id action.ID) bus.InboundEvent {
	return bus.InboundEvent{
		Kind:           bus.KindSelection,
		Channel:        "telegram",
		SenderID:       "7",
		ConversationID: conversation,
		ActionID:       string(id),
		CallbackID:     "cb-" + string(id),
	}
}

func runService(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	return errCh
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted events")
	}
}

func waitExit(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
		return nil
	}
}

func TestGatewayServiceRunE2EImageThenActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testGatewayConfig(t)
	client := &fakeGatewayProvider{}
	store := session.NewStore()
	events := bus.NewMessageBus()
	dispatcher := dispatch.New(store, client, events, dispatch.Options{})

	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundEvent{
			imageEvent("telegram:100", "IMG1"),
			selectionEvent("telegram:100", action.Transcribe),
			selectionEvent("telegram:100", action.TranslateEnglish),
			selectionEvent("telegram:200", action.Transcribe),
		},
		images: map[string][]byte{"IMG1": []byte("IMG1")},
		done:   make(chan struct{}),
	}

	svc, err := NewService(cfg, client, store, events, dispatcher.Handle, []channel.Adapter{adapter}, slog.Default())
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	statusURL := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, statusURL, 2*time.Second))

	var status statusResponse
	require.Eventually(t, func() bool {
		var err error
		status, err = fetchStatus(statusURL)
		return err == nil && status.Events[bus.EventActionCompleted] == 2
	}, 2*time.Second, 25*time.Millisecond)
	require.NotNil(t, status.Sessions)
	require.Equal(t, 1, *status.Sessions)
	require.Equal(t, int64(1), status.Events[bus.EventImageStored])
	require.Equal(t, "ready", status.Status)
	require.True(t, status.Channels["telegram"].Running)

	cancel()
	require.NoError(t, waitExit(t, errCh))

	healthCalls, instructions, mediaTypes := client.snapshot()
	require.GreaterOrEqual(t, healthCalls, 1)
	require.Len(t, instructions, 2)
	transcribe, err := action.Instruction(action.Transcribe)
	require.NoError(t, err)
	english, err := action.Instruction(action.TranslateEnglish)
	require.NoError(t, err)
	require.Equal(t, []string{transcribe, english}, instructions)
	require.Equal(t, []string{string(media.PNG), string(media.PNG)}, mediaTypes)

	replies := adapter.snapshot()
	require.Contains(t, replies, "text:IMG1")
	require.Contains(t, replies, "Send an image first!")
	require.Zero(t, store.Len(), "sessions are dropped on shutdown")
}

func TestGatewayServiceRunE2EProviderFailureRepliesToUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testGatewayConfig(t)
	client := &fakeGatewayProvider{describeErr: errors.New("quota exceeded")}
	store := session.NewStore()
	events := bus.NewMessageBus()
	dispatcher := dispatch.New(store, client, events, dispatch.Options{})

	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundEvent{
			imageEvent("telegram:100", "IMG1"),
			selectionEvent("telegram:100", action.TranslateRussian),
		},
		images: map[string][]byte{"IMG1": []byte("IMG1")},
		done:   make(chan struct{}),
	}

	svc, err := NewService(cfg, client, store, events, dispatcher.Handle, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	statusURL := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, statusURL, 2*time.Second))
	require.Eventually(t, func() bool {
		status, err := fetchStatus(statusURL)
		return err == nil && status.Events[bus.EventActionFailed] == 1
	}, 2*time.Second, 25*time.Millisecond)

	cancel()
	require.NoError(t, waitExit(t, errCh))

	replies := adapter.snapshot()
	require.NotEmpty(t, replies)
	last := replies[len(replies)-1]
	require.Contains(t, last, "Something went wrong")
	require.NotContains(t, last, "quota exceeded")
}

func TestGatewayServiceRunFailsWhenProviderUnhealthyAtStartup(t *testing.T) {
	cfg := testGatewayConfig(t)
	client := &fakeGatewayProvider{healthErr: errors.New("bad key")}
	adapter := &scriptedAdapter{name: "telegram", done: make(chan struct{})}

	svc, err := NewService(cfg, client, session.NewStore(), nil, noopHandler, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.ErrorContains(t, err, "bad key")
}

func TestGatewayServiceRunReturnsChannelFailure(t *testing.T) {
	cfg := testGatewayConfig(t)
	client := &fakeGatewayProvider{}

	svc, err := NewService(cfg, client, session.NewStore(), nil, noopHandler, []channel.Adapter{failingAdapter{}}, nil)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.ErrorContains(t, err, "run discord channel")
	require.Equal(t, "gateway closed", svc.currentStatus("x").Channels["discord"].Error)
}

type failingAdapter struct{}

func (failingAdapter) Name() string {
	return "discord"
}

func (failingAdapter) Run(context.Context, channel.Handler) error {
	return errors.New("gateway closed")
}

func TestGatewayServiceReadyzTransitionsOnProviderHealthRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testGatewayConfig(t)
	client := &fakeGatewayProvider{}
	adapter := &scriptedAdapter{name: "telegram", done: make(chan struct{})}

	svc, err := NewService(cfg, client, session.NewStore(), nil, noopHandler, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	client.setHealthErr(errors.New("temporary provider outage"))
	require.Error(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, readyURL, 2*time.Second))

	client.setHealthErr(nil)
	require.NoError(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, healthURL, 2*time.Second))

	cancel()
	require.NoError(t, waitExit(t, errCh))
}

// fetchStatus does not use require so it can run inside Eventually.
func fetchStatus(url string) (statusResponse, error) {
	response, err := http.Get(url)
	if err != nil {
		return statusResponse{}, err
	}
	defer response.Body.Close()

	var status statusResponse
	err = json.NewDecoder(response.Body).Decode(&status)
	return status, err
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
