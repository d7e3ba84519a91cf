package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions configures a Breaker.
type BreakerOptions struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval clears the failure counts while closed. 0 never clears them.
	Interval time.Duration
	// Timeout is how long the circuit stays open.
	Timeout time.Duration
	// MinRequests is the number of calls needed before the failure ratio counts.
	MinRequests uint32
	// FailureRatio trips the circuit.
	FailureRatio float64

	Logger *slog.Logger
}

// DefaultBreakerOptions contains the default Breaker options.
var DefaultBreakerOptions = BreakerOptions{
	Name:         "ml",
	MaxRequests:  1,
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// Breaker guards a Capability with a circuit breaker. While the circuit is
// open every call fails with an error matching ErrUnavailable.
type Breaker struct {
	next Capability
	cb   *gobreaker.CircuitBreaker
}

var _ Capability = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Capability, optFns ...func(o *BreakerOptions)) *Breaker {
	opts := DefaultBreakerOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	logger := opts.Logger

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ml circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the model's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State returns the circuit state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) ModelName() string { return b.next.ModelName() }

func (b *Breaker) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return call(b, func() ([]float32, error) { return b.next.GenerateEmbedding(ctx, text) })
}

func (b *Breaker) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	return call(b, func() ([]Entity, error) { return b.next.ExtractEntities(ctx, text) })
}

func (b *Breaker) Summarize(ctx context.Context, messages []string) (string, error) {
	return call(b, func() (string, error) { return b.next.Summarize(ctx, messages) })
}

func call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}
