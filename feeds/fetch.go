// Package feeds implements threat feed ingestion: fetching remote feed
// payloads, parsing them per declared format, deduplicating and upserting
// the resulting indicators, and scheduling each feed on its own interval.
package feeds

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// FetchResult contains the outcome of one feed retrieval.
type FetchResult struct {
	Body       []byte
	StatusCode int
	Hash       string // SHA-256 of body
	ETag       string
	Changed    bool // false when the payload matches prevHash
}

// FetchConfig configures the fetcher.
type FetchConfig struct {
	Timeout  time.Duration // per-fetch timeout. Default: 30s.
	MaxBytes int64         // max response body size. Default: 10MB.
	UserAgent string
	// URLValidator validates URLs before fetch and on every redirect
	// (SSRF prevention). Default: ValidateFeedURL.
	URLValidator func(string) error
}

func (c *FetchConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "chimera-feeds/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateFeedURL
	}
}

// ValidateFeedURL rejects non-HTTP schemes and loopback/private hosts.
// Feed URLs are operator-supplied but may be pasted from untrusted feed
// directories, so internal addresses are refused outright.
func ValidateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s is not routable", host)
		}
	}
	return nil
}

// Fetcher retrieves feed payloads with conditional GET support.
type Fetcher struct {
	client *http.Client
	config FetchConfig
}

// NewFetcher creates a Fetcher that re-validates URLs on redirects.
func NewFetcher(cfg FetchConfig) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves a feed URL with an optional bearer credential. If etag
// is provided a conditional GET is sent; a 304 answer or an unchanged
// content hash both report Changed=false so the caller can skip parsing.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, authToken, etag, prevHash string) (*FetchResult, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("url blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{StatusCode: 304, ETag: resp.Header.Get("ETag")}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &FetchResult{StatusCode: resp.StatusCode}, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	h := sha256.Sum256(body)
	hash := fmt.Sprintf("%x", h)
	return &FetchResult{
		Body:       body,
		StatusCode: resp.StatusCode,
		Hash:       hash,
		ETag:       resp.Header.Get("ETag"),
		Changed:    prevHash == "" || hash != prevHash,
	}, nil
}
