// Package feeder controls the physical feeder appliance over its REST rule
// engine.
package feeder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cyberherd/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	overridePath = "/rest/items/FeederOverride/state"
	triggerPath  = "/rest/rules/feeder/runnow"

	// at most this many feeder calls in flight at once
	maxConcurrentCalls = 3
)

type Config struct {
	BaseURL  string
	User     string
	Password string
}

// Controller is the feeder capability surface.
type Controller interface {
	// OverrideEnabled reports whether the manual override switch is ON.
	// While ON, automatic feedings are suppressed.
	OverrideEnabled(ctx context.Context) (bool, error)

	// Trigger runs the feeder rule once.
	Trigger(ctx context.Context) error
}

// Client implements Controller against the appliance's REST API with basic
// auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	user       string
	password   string
	sem        *semaphore.Weighted
}

// NewClient creates a feeder controller client.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    cfg.BaseURL,
		user:       cfg.User,
		password:   cfg.Password,
		sem:        semaphore.NewWeighted(maxConcurrentCalls),
	}
}

// OverrideEnabled reads the override switch state ("ON" or "OFF").
func (c *Client) OverrideEnabled(ctx context.Context) (bool, error) {
	var state string

	err := c.call(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+overridePath, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.user, c.password)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp.StatusCode, "override read")
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		if err != nil {
			return err
		}
		state = strings.TrimSpace(string(body))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read feeder override: %w", err)
	}

	switch state {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected feeder override state %q", state)
	}
}

// Trigger runs the feeder rule once. A 200 response means the feeder fired.
func (c *Client) Trigger(ctx context.Context) error {
	err := c.call(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+triggerPath, strings.NewReader(""))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.user, c.password)
		req.Header.Set("Content-Type", "text/plain")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp.StatusCode, "trigger")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trigger feeder: %w", err)
	}

	logger.Info("Feeder triggered")
	return nil
}

// call bounds concurrency and retries transient failures.
func (c *Client) call(ctx context.Context, operation func() error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 4 * time.Second

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}

func statusError(code int, op string) error {
	err := fmt.Errorf("feeder %s returned status %d", op, code)
	if code >= 400 && code < 500 {
		return backoff.Permanent(err)
	}
	logger.Warn("Feeder request failed", zap.Int("status", code), zap.String("op", op))
	return err
}
