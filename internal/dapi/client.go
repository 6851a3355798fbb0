package dapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "gidata-go/0.1"
)

// TokenSource provides bearer tokens for data API requests. Defined at
// the consumer per Go convention "accept interfaces, return structs".
// Refresh is called after an authorization failure; the request is
// retried once with the token it returns.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client is an HTTP client for the measurement data API. It handles
// request construction, bearer authentication, retry with exponential
// backoff, and error classification. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a data API client for the given base URL
// (e.g. "http://qstation:8090" or "https://tenant.example.io").
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// BaseURL returns the base address the client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes an HTTP request against the data API. The path is appended
// to the client's base URL. Transient failures (network errors, 5xx, 429)
// are retried with backoff; an authorization failure triggers one token
// refresh and one retry; everything else is classified and returned.
// The caller is responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	url := c.baseURL + path

	// One correlation ID per logical request, stable across retries, so
	// server-side logs can be matched against ours.
	reqID := uuid.NewString()

	var attempt int

	var refreshed bool

	for {
		resp, err := c.doOnce(ctx, method, url, reqID, body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dapi: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.String("request_id", reqID),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("dapi: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("dapi: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		// 2xx is success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		// The server may assign its own request ID. Prefer it in error
		// reports when present.
		if srv := resp.Header.Get("request-id"); srv != "" {
			reqID = srv
		}

		// Authorization failure: refresh the session once, then retry the
		// request with the new token. A second 401 is surfaced.
		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			c.logger.Info("authorization failure, refreshing session",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
			)

			if _, refreshErr := c.token.Refresh(ctx); refreshErr != nil {
				return nil, refreshErr
			}

			refreshed = true

			continue
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("dapi: request canceled: %w", err)
			}

			attempt++

			continue
		}

		sentinel := classifyStatus(resp.StatusCode)
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Message:    string(errBody),
			Err:        sentinel,
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// GetJSON executes a GET and decodes the success envelope's Data field
// into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON marshals in, executes a POST, and decodes the success
// envelope's Data field into out. Pass a nil out to discard the payload.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("dapi: encoding %s request: %w", path, err)
	}

	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", ErrMalformedResponse, method, path, err)
	}

	if !env.Success {
		return fmt.Errorf("%w: %s %s: backend reported failure", ErrMalformedResponse, method, path)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s payload: %v", ErrMalformedResponse, method, path, err)
	}

	return nil
}

// doOnce executes a single HTTP request (no retry). The body is passed as
// a byte slice so every attempt gets a fresh reader.
func (c *Client) doOnce(ctx context.Context, method, url, reqID string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-Id", reqID)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
