// Package client calls a cohort member over its HTTP binding.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/systemshift/omrs/pkg/omrs"
)

// Client sends operations to one server as one user.
type Client struct {
	baseURL    string
	userID     string
	delegate   string
	httpClient *http.Client
	retries    uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDelegatingUser sets the user the caller acts for.
func WithDelegatingUser(userID string) Option {
	return func(c *Client) { c.delegate = userID }
}

// WithReadRetries sets how often reads are retried after a transport
// failure. Defaults to 3; updates are never retried.
func WithReadRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// New creates a client for the server at baseURL.
func New(baseURL, userID string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method with req as the body and decodes the result into
// out, which may be nil. Failures reported by the server come back as
// *omrs.Error of the reported kind.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return omrs.Errorf(omrs.KindInvalidParameter, "OMRS-CLIENT-400-001",
			"unable to encode the request of %s: %s", method, err.Error()).WithCause(err)
	}
	endpoint := fmt.Sprintf("%s/api/users/%s/%s", c.baseURL, url.PathEscape(c.userID), method)

	var resp omrs.Response
	send := func() error {
		r, err := c.send(ctx, endpoint, payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if isRead(method) {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
		err = backoff.Retry(send, b)
	} else {
		err = send()
	}
	if err != nil {
		return omrs.AsError(err)
	}
	return resp.Decode(out)
}

func (c *Client) send(ctx context.Context, endpoint string, payload []byte) (omrs.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return omrs.Response{}, backoff.Permanent(omrs.Errorf(omrs.KindInvalidParameter, "OMRS-CLIENT-400-002",
			"unable to build a request for %s: %s", endpoint, err.Error()).WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.delegate != "" {
		req.Header.Set("delegatingUserID", c.delegate)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return omrs.Response{}, omrs.Errorf(omrs.KindRepositoryError, "OMRS-CLIENT-503-001",
			"request to %s failed: %s", endpoint, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return omrs.Response{}, omrs.Errorf(omrs.KindRepositoryError, "OMRS-CLIENT-503-002",
			"reading the response of %s failed: %s", endpoint, err.Error()).WithCause(err)
	}
	var resp omrs.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return omrs.Response{}, backoff.Permanent(omrs.Errorf(omrs.KindRepositoryError, "OMRS-CLIENT-500-001",
			"server answered %d with a body that is not a response envelope: %.200s", httpResp.StatusCode, string(body)).WithCause(err))
	}
	return resp, nil
}

// isRead reports whether method only reads, so it can be retried.
func isRead(method string) bool {
	for _, prefix := range []string{"get", "find", "is", "search", "verify"} {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}
