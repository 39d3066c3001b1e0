package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// nativePrefix marks an entry naming a module compiled into the worker.
const nativePrefix = "native:"

// DefaultMaxPluginSize bounds fetched plugin code.
const DefaultMaxPluginSize = 64 << 20

// Fetcher retrieves plugin code for an entry locator.
type Fetcher interface {
	Fetch(ctx context.Context, entry string) ([]byte, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, entry string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, entry string) ([]byte, error) {
	return f(ctx, entry)
}

// DefaultFetcher reads local paths, file:// URLs and http(s):// URLs. A
// "native:<id>" entry is returned verbatim as the plugin code. Code larger
// than MaxSize (DefaultMaxPluginSize when zero) fails with ErrPluginTooLarge
// rather than being truncated.
type DefaultFetcher struct {
	Client  *http.Client
	MaxSize int64
}

// Fetch retrieves entry.
func (f DefaultFetcher) Fetch(ctx context.Context, entry string) ([]byte, error) {
	if strings.HasPrefix(entry, nativePrefix) {
		return []byte(entry), nil
	}

	u, err := url.Parse(entry)
	if err != nil || len(u.Scheme) <= 1 {
		// Not a URL, or a Windows drive letter.
		return f.readFile(entry)
	}

	switch u.Scheme {
	case "file":
		return f.readFile(u.Path)
	case "http", "https":
		return f.fetchHTTP(ctx, entry)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, u.Scheme)
	}
}

func (f DefaultFetcher) fetchHTTP(ctx context.Context, entry string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %d", ErrFetchFailed, entry, resp.StatusCode)
	}
	return f.read(entry, resp.Body)
}

func (f DefaultFetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = file.Close() }()
	return f.read(path, file)
}

// read consumes r up to the size limit. One byte past the limit is enough
// to tell an oversized plugin from one that fits exactly.
func (f DefaultFetcher) read(entry string, r io.Reader) ([]byte, error) {
	limit := f.MaxSize
	if limit <= 0 {
		limit = DefaultMaxPluginSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrPluginTooLarge, entry, limit)
	}
	return data, nil
}
