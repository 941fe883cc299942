// Package retry decides how provider requests react to failures. The policy
// is a pure function of the failure class and attempt number; clients own
// the sleeping and the re-authentication.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Class is the category of a failed request.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassRateLimited
	ClassUnauthorized
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status and transport error to a class. status is 0
// when no response was received.
func Classify(status int, err error) Class {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ClassPermanent
		case errors.Is(err, domain.ErrUnauthorized):
			return ClassUnauthorized
		case errors.Is(err, domain.ErrRateLimited):
			return ClassRateLimited
		}
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, domain.ErrTransient) {
			return ClassTransient
		}
		if status == 0 {
			return ClassTransient
		}
	}
	switch {
	case status == 0 || (status >= 200 && status < 400):
		return ClassNone
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassUnauthorized
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Policy bounds the retry behaviour.
type Policy struct {
	TransientMin      time.Duration
	TransientMax      time.Duration
	TransientAttempts int
	RateLimitMax      time.Duration
	RateLimitAttempts int
	ReauthAttempts    int
}

// DefaultPolicy sleeps 10-20 minutes once on transient failures, up to 30 s
// on rate limiting, and re-authenticates once.
func DefaultPolicy() Policy {
	return Policy{
		TransientMin:      10 * time.Minute,
		TransientMax:      20 * time.Minute,
		TransientAttempts: 1,
		RateLimitMax:      30 * time.Second,
		RateLimitAttempts: 5,
		ReauthAttempts:    1,
	}
}

// Decision is what a client should do after a failure.
type Decision struct {
	Retry  bool
	Reauth bool
	Sleep  time.Duration
}

// Decide returns the action for the attempt-th retry (1-based) of class c.
// rnd must return a value in [0,1).
func Decide(p Policy, attempt int, c Class, rnd func() float64) Decision {
	switch c {
	case ClassTransient:
		if attempt > p.TransientAttempts {
			return Decision{}
		}
		span := p.TransientMax - p.TransientMin
		return Decision{Retry: true, Sleep: p.TransientMin + time.Duration(rnd()*float64(span))}
	case ClassRateLimited:
		if attempt > p.RateLimitAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Sleep: time.Duration(rnd() * float64(p.RateLimitMax))}
	case ClassUnauthorized:
		if attempt > p.ReauthAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Reauth: true}
	default:
		return Decision{}
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Attempt is the outcome of one try: the HTTP status (0 if none) and error.
type Attempt struct {
	Status int
	Err    error
}

// Runner executes requests under a Policy.
type Runner struct {
	Policy Policy
	Sleep  Sleeper
	Rand   func() float64
	// Reauth is invoked before retrying an unauthorized attempt.
	Reauth func(ctx context.Context) error
	// OnRetry observes every retry decision.
	OnRetry func(c Class, attempt int, d Decision)
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends. Each
// class keeps its own attempt counter. Exhausted classes are wrapped in the
// matching domain sentinel.
func (r Runner) Do(ctx context.Context, fn func(ctx context.Context) Attempt) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	rnd := r.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	attempts := map[Class]int{}
	for {
		a := fn(ctx)
		c := Classify(a.Status, a.Err)
		if c == ClassNone {
			return nil
		}
		attempts[c]++
		d := Decide(r.Policy, attempts[c], c, rnd)
		if r.OnRetry != nil {
			r.OnRetry(c, attempts[c], d)
		}
		if !d.Retry {
			return wrap(c, a)
		}
		if d.Reauth && r.Reauth != nil {
			if err := r.Reauth(ctx); err != nil {
				return fmt.Errorf("re-authenticate: %w", err)
			}
		}
		if err := sleep(ctx, d.Sleep); err != nil {
			return err
		}
	}
}

func wrap(c Class, a Attempt) error {
	cause := a.Err
	if cause == nil {
		cause = fmt.Errorf("status %d", a.Status)
	}
	var sentinel error
	switch c {
	case ClassTransient:
		sentinel = domain.ErrTransient
	case ClassRateLimited:
		sentinel = domain.ErrRateLimited
	case ClassUnauthorized:
		sentinel = domain.ErrUnauthorized
	default:
		return cause
	}
	if errors.Is(cause, sentinel) {
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
