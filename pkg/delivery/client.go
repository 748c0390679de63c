package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// Outcome classifies the result of one delivery attempt.
type Outcome int

const (
	// Success: 2xx response.
	Success Outcome = iota

	// RetryableFailure: 5xx, 429, or a transport-level timeout or
	// connection error. Worth retrying.
	RetryableFailure

	// NonRetryableFailure: any other 4xx. Retrying cannot help.
	NonRetryableFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case NonRetryableFailure:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Result captures one delivery attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Error returns a human-readable reason for a failed attempt, suitable for
// the event's error_message field.
func (r Result) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("request error: %v", r.Err)
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// Client executes one outbound HTTP POST per delivery attempt against the
// configured webhook destination. It has no side effects beyond the
// network call.
type Client struct {
	// URL is the destination webhook endpoint.
	URL string

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string

	// HTTPClient is the underlying client (allows custom configuration)
	HTTPClient *http.Client
}

// NewClient creates a delivery client with the given destination and
// per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL:     url,
		Headers: make(map[string]string),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver posts the event's canonical JSON representation to the webhook
// and classifies the outcome.
func (c *Client) Deliver(ctx context.Context, event *types.Event) Result {
	start := time.Now()

	body, err := json.Marshal(event)
	if err != nil {
		return Result{
			Outcome: NonRetryableFailure,
			Latency: time.Since(start),
			Err:     fmt.Errorf("failed to encode event: %w", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Result{
			Outcome: NonRetryableFailure,
			Latency: time.Since(start),
			Err:     fmt.Errorf("failed to create request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection errors are worth retrying.
		return Result{
			Outcome: RetryableFailure,
			Latency: time.Since(start),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	return Result{
		Outcome:    classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}

func classify(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Success
	case statusCode == http.StatusTooManyRequests:
		return RetryableFailure
	case statusCode >= 400 && statusCode < 500:
		return NonRetryableFailure
	default:
		return RetryableFailure
	}
}
