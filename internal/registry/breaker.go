package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/lox/broconnector/internal/logging"
)

// Breaker wraps a Portal with a circuit breaker. Only transport failures
// count against it, so validation rejections and auth errors never open it.
// It does not retry.
type Breaker struct {
	next Portal
	cb   *gobreaker.CircuitBreaker[any]
}

type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker. Defaults to 3.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open. Defaults to one minute.
	Timeout time.Duration
}

func NewBreaker(next Portal, settings BreakerSettings) *Breaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 3
	}
	if settings.Timeout <= 0 {
		settings.Timeout = time.Minute
	}
	threshold := settings.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "bronhouderportaal",
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransport(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("registry circuit breaker state change")
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State returns the breaker state for logging.
func (b *Breaker) State() string { return b.cb.State().String() }

func execute[T any](b *Breaker, op string, fn func() (*T, error)) (*T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Op: op, Err: err}
		}
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("registry %s: unexpected result type %T", op, result)
	}
	return typed, nil
}

func (b *Breaker) Validate(ctx context.Context, doc []byte, projectID string, creds Credentials) (*ValidationResult, error) {
	return execute(b, "validate", func() (*ValidationResult, error) {
		return b.next.Validate(ctx, doc, projectID, creds)
	})
}

func (b *Breaker) Upload(ctx context.Context, files []File, projectID string, creds Credentials) (*UploadResult, error) {
	return execute(b, "upload", func() (*UploadResult, error) {
		return b.next.Upload(ctx, files, projectID, creds)
	})
}

func (b *Breaker) CheckStatus(ctx context.Context, deliveryID, projectID string, creds Credentials) (*StatusResult, error) {
	return execute(b, "check_status", func() (*StatusResult, error) {
		return b.next.CheckStatus(ctx, deliveryID, projectID, creds)
	})
}
