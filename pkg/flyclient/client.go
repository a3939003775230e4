// Package flyclient is a typed wrapper over the compute provider's REST
// surface (spec §4.1): apps, IP allocation, secrets, machines, volumes,
// exec, and long-poll wait. Every method takes the client's bound
// configuration implicitly and returns either a decoded response or a
// *providererr.Error.
package flyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// Config configures a Client's identity with the provider.
type Config struct {
	APIToken string
	// AppName scopes per-app operations (machines, volumes, secrets). It may
	// be empty for app-level operations that act across apps (create, get).
	AppName string
}

// Client is a thin, retrying HTTP wrapper over the provider's REST API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client bound to cfg.
func New(cfg Config, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// WithApp returns a copy of the client scoped to a different app name,
// leaving the token and transport untouched.
func (c *Client) WithApp(appName string) *Client {
	cp := *c
	cp.cfg.AppName = appName
	return &cp
}

// request performs a single HTTP round-trip, retrying transient failures
// (5xx, network errors, timeouts) with backoff. 4xx responses are never
// retried — they are either terminal or meaningful to the caller (404,
// 409/412 capacity, validation) and callers classify them via
// pkg/providererr.
func (c *Client) request(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	op := method + " " + path

	err := retry.Do(
		func() error {
			return c.doOnce(ctx, method, path, bodyReader, out)
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying provider request", "op", op, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.warnIfUnclassified(op, err)
		return err
	}
	return nil
}

// warnIfUnclassified logs a warning when a 409/412 doesn't match any known
// capacity marker — it is most likely an optimistic-concurrency mismatch,
// but an unrecognized provider error shape is also possible, and the spec
// asks that this case be visible rather than silently treated as one or the
// other (spec §4.1, §7, S9).
func (c *Client) warnIfUnclassified(op string, err error) {
	pe, ok := err.(*providererr.Error)
	if !ok {
		return
	}
	if (pe.Status == 409 || pe.Status == 412) && !providererr.InsufficientResources(err) {
		c.logger.Warn("unclassified 409/412 from provider", "op", op, "status", pe.Status, "body", pe.Body)
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body io.Reader, out any) error {
	if seeker, ok := body.(io.Seeker); ok {
		_, _ = seeker.Seek(0, io.SeekStart)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &providererr.Error{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return &providererr.Error{
			Status:  resp.StatusCode,
			Body:    string(respBody),
			Message: extractMessage(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// isTransient reports whether a request should be retried: network errors
// (status 0) and 5xx. 4xx is never transient — retrying a 404 or a capacity
// 409/412 would just waste time before the caller's own recovery logic runs.
func isTransient(err error) bool {
	pe, ok := err.(*providererr.Error)
	if !ok {
		return false // unexpected local error (marshal/build) — don't retry
	}
	return pe.Status == 0 || pe.Status >= 500
}

// extractMessage tries to pull a human-readable message out of a JSON error
// body, falling back to the raw body when it isn't JSON.
func extractMessage(body []byte) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		if decoded.Message != "" {
			return decoded.Message
		}
		if decoded.Error != "" {
			return decoded.Error
		}
	}
	return string(body)
}
