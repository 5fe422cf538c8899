// -----------------------------------------------------------------------
// Stage Client - Retrying multipart client for external stage processors
// -----------------------------------------------------------------------

package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/interfaces"
	"github.com/ternarybob/integrator/internal/models"
)

const (
	// DefaultBackoffUnit is the base of the 2^attempt wait between attempts
	DefaultBackoffUnit = time.Second

	// maxResponseBytes bounds how much of a response body is read
	maxResponseBytes = 16 << 20

	// maxErrorBodyBytes bounds how much of a failed response is kept in errors
	maxErrorBodyBytes = 2048
)

// Client implements interfaces.StageClient over HTTP multipart requests
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	backoffUnit time.Duration
	newTimer    func() backoff.Timer
	logger      arbor.ILogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit limits outbound requests to rps per second. 0 disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBackoffUnit sets the base wait between attempts
func WithBackoffUnit(unit time.Duration) Option {
	return func(c *Client) {
		if unit > 0 {
			c.backoffUnit = unit
		}
	}
}

// WithTimer replaces the timer used to wait between attempts. newTimer is
// called once per Call.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Client) {
		c.newTimer = newTimer
	}
}

// NewClient creates a stage client
func NewClient(logger arbor.ILogger, opts ...Option) *Client {
	c := &Client{
		// Per-attempt timeouts come from the endpoint, see attempt
		httpClient:  &http.Client{},
		backoffUnit: DefaultBackoffUnit,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ interfaces.StageClient = (*Client)(nil)

// Call sends payload to endpoint. Only transport failures are retried, with a
// wait of 2^i backoff units after failed attempt i. Once maxRetries attempts
// have failed a RetryExhaustedError is returned. Non-200 statuses and broken
// response contracts fail immediately.
func (c *Client) Call(ctx context.Context, endpoint models.StageEndpoint, payload *models.StagePayload, maxRetries int) (*models.StageResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var (
		response *models.StageResponse
		attempts int
	)

	operation := func() error {
		attempts++
		c.logger.Debug().
			Str("stage", endpoint.Name).
			Str("url", endpoint.URL).
			Int("attempt", attempts).
			Int("max_attempts", maxRetries).
			Msg("Calling stage processor")

		var err error
		response, err = c.attempt(ctx, endpoint, payload)
		if err != nil && !common.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().
			Err(err).
			Str("stage", endpoint.Name).
			Int("attempt", attempts).
			Str("wait", wait.String()).
			Msg("Stage processor unreachable, retrying")
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, c.policy(ctx, maxRetries), notify, timer)
	if err == nil {
		c.logger.Debug().
			Str("stage", endpoint.Name).
			Str("job_id", response.JobID).
			Int("attempt", attempts).
			Msg("Stage processor call succeeded")
		return response, nil
	}

	if !common.IsTransient(err) {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%s stage call cancelled after %d attempts: %w", endpoint.Name, attempts, err)
		}
		return nil, err
	}

	c.logger.Error().
		Err(err).
		Str("stage", endpoint.Name).
		Int("attempts", attempts).
		Msg("Stage processor retries exhausted")

	return nil, &common.RetryExhaustedError{Stage: endpoint.Name, Attempts: attempts, Err: err}
}

// policy waits 2^i backoff units after failed attempt i, allows maxRetries
// attempts in total and stops waiting when ctx ends
func (c *Client) policy(ctx context.Context, maxRetries int) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.backoffUnit
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = time.Duration(math.MaxInt64)
	exponential.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(maxRetries-1)), ctx)
}

// attempt performs a single request with a freshly encoded body
func (c *Client) attempt(ctx context.Context, endpoint models.StageEndpoint, payload *models.StagePayload) (*models.StageResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s stage rate limit wait: %w", endpoint.Name, err)
		}
	}

	body, contentType, err := encodeMultipart(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s stage request: %w", endpoint.Name, err)
	}

	reqCtx := ctx
	if endpoint.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, endpoint.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s stage request: %w", endpoint.Name, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Caller cancellation is not a transport failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &common.TransientNetworkError{Stage: endpoint.Name, Err: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	// A failed status is final even when its body is cut short
	if resp.StatusCode != http.StatusOK {
		return nil, &common.RemoteStageError{
			Stage:      endpoint.Name,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBodyBytes),
		}
	}

	if readErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &common.TransientNetworkError{Stage: endpoint.Name, Err: fmt.Errorf("reading response: %w", readErr)}
	}

	return decodeResponse(endpoint, data)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
