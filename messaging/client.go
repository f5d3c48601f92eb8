// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/netutil"
)

// maxLimitRetries bounds how often one request is retried after a 429.
const maxLimitRetries = 3

// maxRetryWait caps a single server-requested backoff.
const maxRetryWait = 30 * time.Second

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver (e.g. "https://matrix.example.org").
	HomeserverURL string

	// HTTPClient is used for all requests. If nil, a client without a
	// global timeout is used; /sync long-polls rely on ctx instead.
	HTTPClient *http.Client

	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter burst. Values below 1 become 1.
	Burst int

	// Clock drives 429 backoff. Nil means clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client. It owns the transport and
// the outbound limiter shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must be http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		burst := max(config.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		clock:      clk,
		logger:     logger,
	}, nil
}

// SessionFromToken creates a Session for an existing access token.
// The token is not validated; call Session.WhoAmI for that.
func (c *Client) SessionFromToken(userID, accessToken string) (*Session, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("messaging: access token is required")
	}
	return &Session{client: c, userID: userID, accessToken: accessToken}, nil
}

// CloseIdleConnections drops pooled connections so the next request
// dials fresh. Called after sync errors.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// request describes one homeserver call.
type request struct {
	method      string
	path        string
	query       url.Values
	accessToken string

	// jsonBody is marshaled as the request body when non-nil.
	jsonBody any
}

// doRequest performs a JSON request and returns the response body. Non-2xx
// responses become *MatrixError. 429 responses are retried after the
// server's retry_after_ms.
func (c *Client) doRequest(ctx context.Context, req request) ([]byte, error) {
	var encoded []byte
	if req.jsonBody != nil {
		var err error
		encoded, err = json.Marshal(req.jsonBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		response, err := c.send(ctx, req, encoded)
		if err != nil {
			return nil, err
		}
		body, err := netutil.ReadResponse(response.Body)
		response.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
		}
		if response.StatusCode >= 200 && response.StatusCode < 300 {
			return body, nil
		}

		matrixErr := decodeMatrixError(response.StatusCode, body)
		if matrixErr == nil {
			return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
				response.StatusCode, req.method, req.path, string(body))
		}
		if response.StatusCode != http.StatusTooManyRequests || attempt >= maxLimitRetries {
			return nil, matrixErr
		}
		if err := c.backoff(ctx, req, matrixErr); err != nil {
			return nil, err
		}
	}
}

// doRaw performs a request and returns the raw response for streaming
// reads (media download). The caller closes the body. Non-2xx responses
// are converted to errors and closed here.
func (c *Client) doRaw(ctx context.Context, req request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		response, err := c.send(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		if response.StatusCode >= 200 && response.StatusCode < 300 {
			return response, nil
		}

		body := netutil.ErrorBody(response.Body)
		response.Body.Close()
		matrixErr := decodeMatrixError(response.StatusCode, []byte(body))
		if matrixErr == nil {
			return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
				response.StatusCode, req.method, req.path, body)
		}
		if response.StatusCode != http.StatusTooManyRequests || attempt >= maxLimitRetries {
			return nil, matrixErr
		}
		if err := c.backoff(ctx, req, matrixErr); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, req request, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("messaging: waiting for request slot: %w", err)
	}

	requestURL := c.baseURL + req.path
	if len(req.query) > 0 {
		requestURL += "?" + req.query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, req.method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if req.accessToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+req.accessToken)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", req.method, req.path, err)
	}
	return response, nil
}

func (c *Client) backoff(ctx context.Context, req request, matrixErr *MatrixError) error {
	wait := min(max(matrixErr.RetryAfter(), 100*time.Millisecond), maxRetryWait)
	c.logger.Warn("homeserver rate limited request",
		"method", req.method,
		"path", req.path,
		"retry_after", wait,
	)
	select {
	case <-ctx.Done():
		return fmt.Errorf("messaging: %s %s: %w", req.method, req.path, errors.Join(matrixErr, ctx.Err()))
	case <-c.clock.After(wait):
		return nil
	}
}

// decodeMatrixError parses the standard error envelope, or returns nil
// when the body is not one.
func decodeMatrixError(statusCode int, body []byte) *MatrixError {
	var matrixErr MatrixError
	if err := json.Unmarshal(body, &matrixErr); err != nil || matrixErr.Code == "" {
		return nil
	}
	matrixErr.StatusCode = statusCode
	return &matrixErr
}
