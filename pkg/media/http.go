package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultFetchTimeout = 30 * time.Second

// HTTPFetcher downloads attachments addressed by URL.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds a fetcher that refuses bodies larger than maxBytes.
// A non-positive maxBytes disables the cap.
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}

	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads ref.URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	rawURL := strings.TrimSpace(ref.URL)
	if rawURL == "" {
		return nil, errors.New("attachment url is required")
	}
	if f.maxBytes > 0 && ref.Size > f.maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, ref.Size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", stripURL(err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", stripURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download attachment: unexpected status %d", resp.StatusCode)
	}

	return ReadLimited(resp.Body, f.maxBytes)
}

// stripURL drops the request URL from err. Attachment URLs can embed bot
// credentials in their path.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// ReadLimited reads r fully, failing with ErrTooLarge past maxBytes.
func ReadLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}

	return data, nil
}
