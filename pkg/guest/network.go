package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// NetworkAllowedHostsKey is the grant context key listing permitted hostnames.
const NetworkAllowedHostsKey = "allowedHosts"

// ErrHostNotPermitted indicates a fetch to a host outside the allow-list.
var ErrHostNotPermitted = errors.New("Host not permitted") //nolint:staticcheck // message shown to plugins verbatim

// maxResponseBody bounds the body returned to a plugin.
const maxResponseBody = 8 << 20

// FetchOptions configures a fetch.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    string
}

// Response is the result of a fetch.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// NetworkAPI performs HTTP requests for the network capability.
type NetworkAPI struct {
	client       *http.Client
	allowedHosts []string
}

// NewNetworkAPI creates a NetworkAPI. A nil allowedHosts permits every host;
// an empty, non-nil list permits none.
func NewNetworkAPI(client *http.Client, allowedHosts []string) *NetworkAPI {
	if client == nil {
		client = http.DefaultClient
	}
	return &NetworkAPI{client: client, allowedHosts: allowedHosts}
}

// Permits reports whether hostname may be fetched.
func (n *NetworkAPI) Permits(hostname string) bool {
	if n.allowedHosts == nil {
		return true
	}
	for _, h := range n.allowedHosts {
		if strings.EqualFold(h, hostname) {
			return true
		}
	}
	return false
}

// Fetch requests rawURL. The allow-list is checked before any connection is
// attempted.
func (n *NetworkAPI) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if !n.Permits(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotPermitted, u.Hostname())
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Body: string(data)}, nil
}
