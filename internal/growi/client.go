// Package growi talks to paired GROWI instances.
package growi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

const (
	SupportedCommandsPath = "/_api/v3/slack-integration/supported-commands"
	// HeaderPtoGTokens carries the proxy-to-GROWI token.
	HeaderPtoGTokens = "x-growi-ptog-tokens"

	DefaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

var _ relation.Fetcher = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		timeout:    DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type supportedCommandsResponse struct {
	Data *relation.SupportedCommands `json:"data"`
}

// FetchSupportedCommands calls GET <growiURI>/_api/v3/slack-integration/supported-commands.
func (c *Client) FetchSupportedCommands(ctx context.Context, growiURI, tokenPtoG string) (*relation.SupportedCommands, error) {
	endpoint, err := supportedCommandsURL(growiURI)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid growi uri", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set(HeaderPtoGTokens, tokenPtoG)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, cerr.NewError(cerr.DeadlineExceeded, "growi did not respond in time", err)
		}
		return nil, cerr.NewError(cerr.Unavailable, "growi is unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to read growi response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, cerr.NewError(statusCode(resp.StatusCode), "growi rejected the request",
			fmt.Errorf("GET %s: status %d: %s", endpoint, resp.StatusCode, truncate(body, 256)))
	}

	var decoded supportedCommandsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, cerr.NewError(cerr.Internal, "unexpected growi response", fmt.Errorf("failed to decode supported commands: %w", err))
	}
	if decoded.Data == nil {
		return nil, cerr.NewError(cerr.Internal, "unexpected growi response", errors.New("response has no data field"))
	}
	return decoded.Data, nil
}

// supportedCommandsURL resolves the endpoint against the host of growiURI;
// any path on growiURI is replaced, not appended to.
func supportedCommandsURL(growiURI string) (string, error) {
	base, err := url.Parse(growiURI)
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return "", errors.New("missing host")
	}
	return base.ResolveReference(&url.URL{Path: SupportedCommandsPath}).String(), nil
}

func statusCode(status int) cerr.Code {
	switch status {
	case http.StatusUnauthorized:
		return cerr.Unauthenticated
	case http.StatusForbidden:
		return cerr.PermissionDenied
	case http.StatusNotFound:
		return cerr.NotFound
	case http.StatusTooManyRequests:
		return cerr.ResourceExhausted
	default:
		return cerr.Unavailable
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
