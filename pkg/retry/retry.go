// Package retry wraps a single outbound call with a bounded, fixed-delay retry loop.
//
// Only errors marked with Transient are retried. Anything else fails the call on
// the first attempt and, unless already classified, surface as an
// errkind.ProtocolViolation. When the retry budget runs out the last cause is
// returned as an errkind.TransportFailure.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsync/pkg/errkind"
)

const (
	DefaultMaxRetries = 20
	DefaultDelay      = 2 * time.Second
)

// TransientError marks a failure worth another attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

var transientStatus = map[int]bool{
	403: true,
	404: true,
	408: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// TransientStatus reports whether an HTTP status from the backend is worth
// retrying. The backend answers 403 and 404 while a deploy rolls out.
func TransientStatus(code int) bool {
	return transientStatus[code]
}

type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Logger     *zerolog.Logger
}

func NewPolicy(maxRetries int, delay time.Duration) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return &Policy{MaxRetries: maxRetries, Delay: delay}
}

func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxRetries, DefaultDelay)
}

func (p *Policy) logger() *zerolog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

// Do runs fn until it succeeds, fails permanently, the context ends or the
// retry budget is spent. op names the call in logs.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p == nil {
		p = DefaultPolicy()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, next time.Duration) {
		p.logger().Warn().
			Err(err).
			Str("component", "retry").
			Str("op", op).
			Int("attempt", attempts).
			Int("max_retries", p.MaxRetries).
			Dur("next", next).
			Msg("retrying request")
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if IsTransient(err) {
		return errkind.New(errkind.TransportFailure, errors.Wrapf(err, "%s: gave up after %d attempts", op, attempts))
	}
	if errkind.Of(err) == "" {
		return errkind.New(errkind.ProtocolViolation, errors.Wrap(err, op))
	}
	return err
}
