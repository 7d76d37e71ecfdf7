package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/adhocore/gronx"
)

const pingTimeout = 10 * time.Second

// pinger requests the public health endpoint on a cron schedule.
type pinger struct {
	url      string
	schedule string
	client   *http.Client
	now      func() time.Time
	log      *slog.Logger
}

func newPinger(url string, schedule string, client *http.Client, log *slog.Logger) *pinger {
	if client == nil {
		client = &http.Client{Timeout: pingTimeout}
	}
	if log == nil {
		log = slog.Default()
	}

	return &pinger{
		url:      url,
		schedule: schedule,
		client:   client,
		now:      time.Now,
		log:      log.With("component", "gateway.keepalive"),
	}
}

// Run pings on every tick until ctx is done. An invalid schedule disables the pinger.
func (p *pinger) Run(ctx context.Context) {
	if !gronx.New().IsValid(p.schedule) {
		p.log.Error("Invalid keep-alive schedule; pinger disabled", "schedule", p.schedule)
		return
	}

	p.log.Info("Keep-alive pinger started", "url", p.url, "schedule", p.schedule)
	for {
		delay, err := p.nextDelay()
		if err != nil {
			p.log.Error("Failed to compute next keep-alive tick", "schedule", p.schedule, "error", err)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.ping(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("Keep-alive ping failed", "url", p.url, "error", err)
		}
	}
}

func (p *pinger) nextDelay() (time.Duration, error) {
	now := p.now()
	next, err := gronx.NextTickAfter(p.schedule, now, false)
	if err != nil {
		return 0, err
	}

	return next.Sub(now), nil
}

func (p *pinger) ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build keep-alive request: %w", err)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("send keep-alive request: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("keep-alive returned status %d", response.StatusCode)
	}

	p.log.Debug("Keep-alive ping succeeded", "url", p.url)
	return nil
}
