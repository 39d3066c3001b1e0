// Package registry provides sources of published plugin manifests used by
// the upgrade workflow.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// HTTP registry errors.
var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrNetworkError = errors.New("network error")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrServerError  = errors.New("server error")
)

const maxManifestBytes = 1 << 20

// ClientConfig configures the HTTP registry client.
type ClientConfig struct {
	// URL is the base URL of the registry
	URL string
	// Timeout is the HTTP request timeout
	Timeout time.Duration
	// UserAgent is the User-Agent header value
	UserAgent string
	// AuthToken is an optional bearer token
	AuthToken string
}

// DefaultClientConfig returns sensible defaults for baseURL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		URL:       baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "plughost/1.0",
	}
}

// HTTP reads manifests from {URL}/v1/plugins/{name}/manifest.
type HTTP struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewHTTP creates an HTTP registry client.
func NewHTTP(config ClientConfig) *HTTP {
	return &HTTP{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// GetManifest fetches and parses the manifest for name. A 404 means the
// registry does not know the plugin and yields nil without error. Relative
// entries are resolved against the manifest URL.
func (c *HTTP) GetManifest(ctx context.Context, name string) (*manifest.Manifest, error) {
	u := strings.TrimRight(c.config.URL, "/") + "/v1/plugins/" + url.PathEscape(name) + "/manifest"

	data, err := c.fetch(ctx, u)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", name, err)
	}

	mf, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", name, err)
	}
	mf.Entry = resolveEntry(u, mf.Entry)
	return mf, nil
}

var errNotFound = errors.New("not found")

func (c *HTTP) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: request creation failed", ErrNetworkError)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json, application/yaml")

	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed", ErrNetworkError)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response", ErrNetworkError)
	}
	return data, nil
}

// resolveEntry makes a relative entry absolute against the manifest URL.
// Native entries, URLs and absolute paths are kept.
func resolveEntry(manifestURL, entry string) string {
	if entry == "" || strings.HasPrefix(entry, "native:") || path.IsAbs(entry) {
		return entry
	}
	ref, err := url.Parse(entry)
	if err != nil || ref.Scheme != "" {
		return entry
	}
	base, err := url.Parse(manifestURL)
	if err != nil {
		return entry
	}
	return base.ResolveReference(ref).String()
}
