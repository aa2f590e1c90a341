package intel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/chimerasec/chimera/store"
	"golang.org/x/time/rate"
)

// maxBody bounds a provider response body. Providers returning more than
// this are misbehaving; the excess is discarded.
const maxBody = 4 * 1024 * 1024

// client is the shared HTTP plumbing under every adapter: per-adapter
// timeout, token-bucket rate limit, and the mapping from transport failures
// to normalized outcomes.
type client struct {
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func newClient(cfg Config) *client {
	return &client{
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: cfg.limiter(),
		timeout: cfg.Timeout,
	}
}

// get performs one rate-limited GET and returns the body, or a non-ok
// outcome describing why the provider could not be consulted.
func (c *client) get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, store.Outcome, error) {
	if !c.limiter.Allow() {
		return nil, store.OutcomeRateLimited, errors.New("local quota exhausted")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := rawURL
	if len(params) > 0 {
		u = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, store.OutcomeUnreachable, fmt.Errorf("new request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return nil, store.OutcomeTimeout, err
		}
		return nil, store.OutcomeUnreachable, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, store.OutcomeAuthError, fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, store.OutcomeRateLimited, fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 400:
		return nil, store.OutcomeUnreachable, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, store.OutcomeUnreachable, fmt.Errorf("read body: %w", err)
	}
	return body, store.OutcomeOK, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// failure builds the weight-0 result recorded when a provider could not be
// consulted. The attempt itself is evidence and is kept.
func failure(source string, outcome store.Outcome, err error) store.SourceResult {
	detail := string(outcome)
	if err != nil {
		detail = fmt.Sprintf("%s: %v", outcome, err)
	}
	return store.SourceResult{
		Source:    source,
		Score:     0,
		Weight:    0,
		Outcome:   outcome,
		Detail:    detail,
		FetchedAt: time.Now().UnixMilli(),
	}
}
