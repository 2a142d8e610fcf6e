package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0xquant/hltracker/internal/ratelimit"
)

// Per-request weights charged against the exchange's 1200/min budget.
var requestWeights = map[string]int{
	"clearinghouseState": 2,
	"allMids":            2,
	"userFillsByTime":    20,
	"userFunding":        20,
	"portfolio":          20,
	"userRole":           60,
}

const defaultWeight = 20

const (
	httpTimeout = 30 * time.Second

	retryAttempts     = 3
	retryInitialDelay = time.Second
	retryMaxDelay     = 30 * time.Second
)

// APIError is a non-2xx reply from the exchange.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hyperliquid: status %d: %s", e.Status, e.Body)
}

// ErrUnexpectedShape wraps JSON that did not match the typed response. Shape
// errors are never retried; the payload will not get better.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// Client talks to the info endpoint. Every request is charged to the shared
// rate budget before it leaves the process.
type Client struct {
	baseURL string
	http    *http.Client
	budget  *ratelimit.Budget
}

// NewClient returns an info client for the given base URL.
func NewClient(baseURL string, budget *ratelimit.Budget) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: httpTimeout},
		budget:  budget,
	}
}

func weightFor(requestType string) int {
	if w, ok := requestWeights[requestType]; ok {
		return w
	}
	return defaultWeight
}

// post sends one info request and decodes the reply into out. Polling and
// backfill callers block in WaitAdmit until the budget admits them; user
// callers charge the window and proceed regardless, the user path is bound by
// the hard cap, not the target.
func (c *Client) post(ctx context.Context, req infoRequest, out any, priority ratelimit.Priority) error {
	weight := weightFor(req.Type)
	if priority == ratelimit.PriorityUser {
		c.budget.Record(priority, weight)
	} else if err := c.budget.WaitAdmit(ctx, priority, weight); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", req.Type, ErrUnexpectedShape, err)
	}
	return nil
}

// isRetryable classifies transient failures: network errors, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrUnexpectedShape) || errors.Is(err, ratelimit.ErrBudgetExhausted) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError
	}
	// Anything else at this point is transport-level.
	return true
}

// withRetry runs fn with exponential backoff on transient failures.
func withRetry(ctx context.Context, name string, fn func() error) error {
	delay := retryInitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= retryAttempts || !isRetryable(err) {
			return err
		}
		log.Warn().Err(err).Str("request", name).Int("attempt", attempt).Dur("backoff", delay).
			Msg("info request failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// ClearinghouseState fetches the authoritative account snapshot for user.
func (c *Client) ClearinghouseState(ctx context.Context, user string, priority ratelimit.Priority) (*ClearinghouseState, error) {
	var out ClearinghouseState
	err := withRetry(ctx, "clearinghouseState", func() error {
		return c.post(ctx, infoRequest{Type: "clearinghouseState", User: user}, &out, priority)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UserFillsByTime fetches fills for user with time >= startTime. A zero
// endTime means "up to now".
func (c *Client) UserFillsByTime(ctx context.Context, user string, startTime, endTime int64, priority ratelimit.Priority) ([]Fill, error) {
	var out []Fill
	err := withRetry(ctx, "userFillsByTime", func() error {
		return c.post(ctx, infoRequest{Type: "userFillsByTime", User: user, StartTime: startTime, EndTime: endTime}, &out, priority)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UserFunding fetches funding payments for user since startTime.
func (c *Client) UserFunding(ctx context.Context, user string, startTime int64, priority ratelimit.Priority) ([]UserFunding, error) {
	var out []UserFunding
	err := withRetry(ctx, "userFunding", func() error {
		return c.post(ctx, infoRequest{Type: "userFunding", User: user, StartTime: startTime}, &out, priority)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Portfolio fetches the exchange-aggregated PnL/value histories for user.
func (c *Client) Portfolio(ctx context.Context, user string, priority ratelimit.Priority) (Portfolio, error) {
	var out Portfolio
	err := withRetry(ctx, "portfolio", func() error {
		return c.post(ctx, infoRequest{Type: "portfolio", User: user}, &out, priority)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllMids fetches the current mid price of every coin.
func (c *Client) AllMids(ctx context.Context, priority ratelimit.Priority) (AllMids, error) {
	var out AllMids
	err := withRetry(ctx, "allMids", func() error {
		return c.post(ctx, infoRequest{Type: "allMids"}, &out, priority)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
