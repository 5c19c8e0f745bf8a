// Package upstream is a generic HTTP/JSON connector that turns a URL into a
// fetch function the orchestrator can retry and cache.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "indicatorcache/1.0"
	maxErrorBody     = 4 << 10
)

// Config configures an upstream HTTP client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Auth enables the OAuth2 client credentials flow when set.
	Auth *ClientCredentials
}

// ClientCredentials holds OAuth2 client credentials for a provider.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// HTTPError captures an unexpected status code and the start of the body.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

// userAgentRoundTripper sets the User-Agent header on every request.
type userAgentRoundTripper struct {
	Wrapped   http.RoundTripper
	UserAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.UserAgent)
	return rt.Wrapped.RoundTrip(clone)
}

// NewHTTPClient builds a client that identifies itself with cfg.UserAgent and,
// when cfg.Auth is set, authenticates with a client credentials token. ctx is
// only used to carry the base client into the token source.
func NewHTTPClient(ctx context.Context, cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	base := &http.Client{
		Transport: &userAgentRoundTripper{Wrapped: http.DefaultTransport, UserAgent: userAgent},
		Timeout:   timeout,
	}
	if cfg.Auth == nil {
		return base
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		TokenURL:     cfg.Auth.TokenURL,
		Scopes:       cfg.Auth.Scopes,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = timeout
	return client
}

// JSONFetch returns a fetch function that GETs url and decodes a JSON body.
// A JSON object becomes the payload; an array is wrapped as {"data": [...]}
// and a scalar as {"value": v}. An empty body or null yields an empty payload,
// which callers treat as a soft failure.
func JSONFetch(client *http.Client, url string) func(ctx context.Context) (cache.Payload, error) {
	return func(ctx context.Context) (cache.Payload, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request to %s failed: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
		}
		return decodePayload(raw)
	}
}

func decodePayload(raw []byte) (cache.Payload, error) {
	if len(raw) == 0 {
		return cache.Payload{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON response: %w", err)
	}
	switch t := v.(type) {
	case nil:
		return cache.Payload{}, nil
	case map[string]interface{}:
		return cache.Payload(t), nil
	case []interface{}:
		if len(t) == 0 {
			return cache.Payload{}, nil
		}
		return cache.Payload{"data": t}, nil
	default:
		return cache.Payload{"value": t}, nil
	}
}
