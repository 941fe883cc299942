// Package transport is the shared HTTP plumbing of the provider clients:
// request pacing, a circuit breaker and the retry policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/retry"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Options configures a Transport.
type Options struct {
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Policy            retry.Policy
	// Sleep overrides the retry sleeper; tests pass a no-op.
	Sleep retry.Sleeper
	// Reauth is called before retrying a 401/403.
	Reauth  func(ctx context.Context) error
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Transport executes provider requests.
type Transport struct {
	name    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	runner  retry.Runner
	metrics *observability.Metrics
	logger  *slog.Logger
}

// statusError is returned inside the breaker for server-side failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// New builds a Transport. A zero RequestsPerSecond disables pacing.
func New(opts Options) *Transport {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		name:    opts.Name,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		metrics: opts.Metrics,
		logger:  logger,
	}
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    opts.Name,
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			if t.metrics != nil {
				t.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	t.runner = retry.Runner{
		Policy: opts.Policy,
		Sleep:  opts.Sleep,
		Reauth: opts.Reauth,
		OnRetry: func(c retry.Class, attempt int, d retry.Decision) {
			logger.Warn("provider request failed",
				"provider", t.name, "class", c.String(), "attempt", attempt,
				"retry", d.Retry, "sleep", d.Sleep)
		},
	}
	return t
}

// SetClient replaces the underlying HTTP client.
func (t *Transport) SetClient(c *http.Client) { t.client = c }

// Client returns the underlying HTTP client.
func (t *Transport) Client() *http.Client { return t.client }

// Doer adapts the transport to SDK clients that take an HTTP client. Every
// request goes through pacing, the breaker and the retry policy; a non-2xx
// response is returned as an error once the policy gives up.
func (t *Transport) Doer() interface {
	Do(*http.Request) (*http.Response, error)
} {
	return doer{t}
}

type doer struct{ t *Transport }

func (d doer) Do(req *http.Request) (*http.Response, error) {
	return d.t.Do(req.Context(), func(ctx context.Context) (*http.Request, error) {
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		return r, nil
	})
}

// Do sends the request produced by build, retrying per policy. build is
// called once per attempt so bodies and credentials are fresh. The caller
// owns the returned body, which always has a 2xx status.
func (t *Transport) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var out *http.Response
	err := t.runner.Do(ctx, func(ctx context.Context) retry.Attempt {
		if err := t.limiter.Wait(ctx); err != nil {
			return retry.Attempt{Err: err}
		}
		req, err := build(ctx)
		if err != nil {
			return retry.Attempt{Err: fmt.Errorf("build request: %w", err)}
		}
		resp, err := t.breaker.Execute(func() (*http.Response, error) {
			resp, err := t.client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				return nil, drain(resp)
			}
			return resp, nil
		})
		a := t.classify(resp, err)
		t.observe(a)
		if a.Status >= 200 && a.Status < 300 && a.Err == nil {
			out = resp
		}
		return a
	})
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", t.name, err)
	}
	return out, nil
}

func (t *Transport) classify(resp *http.Response, err error) retry.Attempt {
	var se *statusError
	switch {
	case errors.As(err, &se):
		return retry.Attempt{Status: se.code, Err: se}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return retry.Attempt{Err: fmt.Errorf("%w: %w", domain.ErrTransient, err)}
	case err != nil:
		return retry.Attempt{Err: err}
	}
	if resp.StatusCode >= 300 {
		return retry.Attempt{Status: resp.StatusCode, Err: drain(resp)}
	}
	return retry.Attempt{Status: resp.StatusCode}
}

func (t *Transport) observe(a retry.Attempt) {
	if t.metrics == nil {
		return
	}
	t.metrics.ProviderRequests.WithLabelValues(t.name, retry.Classify(a.Status, a.Err).String()).Inc()
}

// drain reads a short error body and closes it.
func drain(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(body)}
}
