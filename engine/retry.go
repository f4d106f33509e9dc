/*
retry.go - Retry-with-backoff for serialization conflicts

PURPOSE:
  Under serializable isolation the store may abort a transaction after it
  has done work because a concurrent transaction touched the same rows.
  Nothing from the aborted attempt was committed, so running the whole unit
  of work again is safe. The Retrier does exactly that, with exponential
  backoff and jitter, a bounded number of times.

WHAT IS RETRIED:
  Only errors the classifier accepts (by default: KindTransientConflict).
  Domain errors such as InsufficientUnits are returned on the first attempt;
  running the same transaction again would give the same answer.

DELAY:
  attempt i (0-based) failed -> sleep min(Base * 2^i, Max) * U(1-J, 1+J)

EXHAUSTION:
  After MaxAttempts conflicts the Retrier returns a RetriesExhausted error
  wrapping the last conflict unchanged.

COUNTERS:
  Retried/Exhausted are advisory only. They are mirrored to OpenTelemetry
  counters, which are no-ops unless the process installs a MeterProvider.
*/
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first
	BaseDelay    time.Duration // delay after the first failed attempt
	MaxDelay     time.Duration // cap before jitter
	JitterFactor float64       // 0.2 means +/-20%
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    20 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.2,
	}
}

// RetryStats are aggregate, advisory counters.
type RetryStats struct {
	Retried   int64
	Exhausted int64
}

// Retrier re-runs transactional operations that fail with a transient conflict.
// It holds no per-call state; a single Retrier is shared by all callers.
type Retrier struct {
	cfg       RetryConfig
	transient func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func() float64 // uniform in [0, 1)
	log       zerolog.Logger

	retried   atomic.Int64
	exhausted atomic.Int64

	retriedCounter   metric.Int64Counter
	exhaustedCounter metric.Int64Counter
}

// RetryOption customizes a Retrier.
type RetryOption func(*Retrier)

// WithClassifier replaces IsTransient.
func WithClassifier(fn func(error) bool) RetryOption {
	return func(r *Retrier) { r.transient = fn }
}

// WithSleep replaces the backoff sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitterSource replaces the uniform [0,1) source (tests).
func WithJitterSource(fn func() float64) RetryOption {
	return func(r *Retrier) { r.jitter = fn }
}

func WithRetryLogger(l zerolog.Logger) RetryOption {
	return func(r *Retrier) { r.log = l }
}

// NewRetrier creates a Retrier. Zero fields in cfg fall back to
// DefaultRetryConfig. A negative BaseDelay or JitterFactor turns that part of
// the backoff off.
func NewRetrier(cfg RetryConfig, opts ...RetryOption) *Retrier {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	switch {
	case cfg.BaseDelay == 0:
		cfg.BaseDelay = def.BaseDelay
	case cfg.BaseDelay < 0:
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	switch {
	case cfg.JitterFactor == 0:
		cfg.JitterFactor = def.JitterFactor
	case cfg.JitterFactor < 0:
		cfg.JitterFactor = 0
	case cfg.JitterFactor > 1:
		cfg.JitterFactor = 1
	}

	r := &Retrier{
		cfg:       cfg,
		transient: IsTransient,
		sleep:     sleepContext,
		jitter:    rand.Float64,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("github.com/warp/authunits/engine")
	var err error
	r.retriedCounter, err = meter.Int64Counter("authunits.retry.retried",
		metric.WithDescription("transactions re-run after a serialization conflict"))
	if err != nil {
		r.log.Debug().Err(err).Str("counter", "authunits.retry.retried").Msg("retry metric unavailable")
	}
	r.exhaustedCounter, err = meter.Int64Counter("authunits.retry.exhausted",
		metric.WithDescription("transactions abandoned after the last allowed attempt"))
	if err != nil {
		r.log.Debug().Err(err).Str("counter", "authunits.retry.exhausted").Msg("retry metric unavailable")
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Stats returns the advisory counters.
func (r *Retrier) Stats() RetryStats {
	return RetryStats{Retried: r.retried.Load(), Exhausted: r.exhausted.Load()}
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is Do for operations that return a value. The value of a failed
// attempt is discarded.
func Run[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var last error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !r.transient(err) {
			return zero, err
		}
		last = err

		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.Backoff(attempt)
		r.retried.Add(1)
		if r.retriedCounter != nil {
			r.retriedCounter.Add(ctx, 1)
		}
		r.log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("serialization conflict, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	r.exhausted.Add(1)
	if r.exhaustedCounter != nil {
		r.exhaustedCounter.Add(ctx, 1)
	}
	r.log.Warn().Err(last).Int("attempts", r.cfg.MaxAttempts).Msg("retries exhausted")

	return zero, &Error{
		Kind:    KindRetriesExhausted,
		Message: fmt.Sprintf("gave up after %d conflicting attempts, try again", r.cfg.MaxAttempts),
		Err:     last,
	}
}

// Backoff returns the jittered delay after failed attempt i (0-based).
func (r *Retrier) Backoff(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if j := r.cfg.JitterFactor; j > 0 {
		d *= 1 + j*(2*r.jitter()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// IsTransient is the default classifier: only serialization conflicts.
// A RetriesExhausted error is not transient even though it wraps one.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransientConflict
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
