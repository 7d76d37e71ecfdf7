package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/config"
	"lenslate/pkg/provider"
	"lenslate/pkg/session"
)

const (
	defaultHealthHost    = "0.0.0.0"
	defaultHealthPort    = 18790
	defaultProbeInterval = 60 * time.Second
)

// Service runs the chat adapters against one dispatcher and exposes the status server.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	store    *session.Store
	events   *bus.MessageBus
	handler  channel.Handler
	channels []channel.Adapter
	counters *eventCounters

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
	Sessions         *int                    `json:"sessions,omitempty"`
	Events           map[bus.EventType]int64 `json:"events,omitempty"`
}

// NewService wires adapters to handler. events may be nil, in which case no
// counters are collected.
func NewService(cfg *config.Config, client provider.Client, store *session.Store, events *bus.MessageBus, handler channel.Handler, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		provider:      client,
		store:         store,
		events:        events,
		handler:       handler,
		channels:      adapters,
		counters:      newEventCounters(),
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx is done or a channel or the status server fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	defer s.store.Close()
	if s.events != nil {
		defer s.events.Close()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.runHealthServer(groupCtx)
	})
	group.Go(func() error {
		s.runProviderProbe(groupCtx)
		return nil
	})
	if s.events != nil {
		// Subscribe before any adapter runs so no early event is missed.
		events, unsubscribe := s.events.SubscribeEvents(groupCtx, eventBufferSize)
		group.Go(func() error {
			defer unsubscribe()
			observeEvents(groupCtx, events, s.counters, s.log)
			return nil
		})
	}
	if pinger := s.newPinger(); pinger != nil {
		group.Go(func() error {
			pinger.Run(groupCtx)
			return nil
		})
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		group.Go(func() error {
			err := adapter.Run(groupCtx, s.handler)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	return group.Wait()
}

func (s *Service) newPinger() *pinger {
	publicURL := strings.TrimSpace(s.cfg.Gateway.PublicURL)
	if publicURL == "" {
		return nil
	}

	schedule := strings.TrimSpace(s.cfg.Gateway.KeepAlive.Schedule)
	if schedule == "" {
		schedule = config.DefaultKeepAlive
	}

	return newPinger(publicURL+"/healthz", schedule, nil, s.log)
}

func (s *Service) runProviderProbe(ctx context.Context) {
	interval := time.Duration(s.cfg.Gateway.ProbeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Provider health probe failed", "error", err)
			}
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}

	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, s.currentStatus(status))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	response := s.currentStatus(status)
	sessions := s.store.Len()
	response.Sessions = &sessions
	response.Events = s.counters.snapshot()

	s.respondStatus(w, http.StatusOK, response)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, response statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	response := statusResponse{
		Status:          status,
		ProviderLastErr: s.providerLastErr,
		Channels:        channels,
	}
	if !s.startedAt.IsZero() {
		response.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	if !s.providerLastOKAt.IsZero() {
		response.ProviderLastOKAt = s.providerLastOKAt.Format(time.RFC3339)
	}

	return response
}

// isReady requires a healthy provider and at least one running channel.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.providerLastOKAt.IsZero() || s.providerLastErr != "" {
		return false
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.provider.Health(checkCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.providerLastErr = err.Error()
		return fmt.Errorf("provider health check: %w", err)
	}

	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	return err.Error()
}
