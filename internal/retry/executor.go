package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Publisher is the keyed broker primitive: at-least-once, ordered per key.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

// Reporter receives retry and exhaustion notices. Implementations must not
// block; the executor ignores whatever they do, panics included.
type Reporter interface {
	PublishRetry(topic string, attempt int, backoff time.Duration, err error)
	PublishExhausted(topic string, attempts int, err error)
}

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
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

type Config struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AttemptTimeout bounds a single publish call. Zero means the call is
	// bounded only by the caller's context.
	AttemptTimeout time.Duration
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BackoffInitial < 0 {
		return fmt.Errorf("initial backoff must be >= 0, got %s", c.BackoffInitial)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("max backoff %s is below initial backoff %s", c.BackoffMax, c.BackoffInitial)
	}
	return nil
}

// ExhaustedError is returned once every attempt has failed. Attempts is
// always MaxRetries+1.
type ExhaustedError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("publish to %s exhausted after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from an exhausted retry budget.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Executor wraps a Publisher with bounded exponential backoff.
type Executor struct {
	pub      Publisher
	cfg      Config
	sleep    SleepFunc
	reporter Reporter
}

type Option func(*Executor)

// WithSleep replaces the backoff wait, mainly so tests can record delays.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

func WithReporter(r Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

func New(pub Publisher, cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{pub: pub, cfg: cfg, sleep: ContextSleep}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// PublishWithRetry publishes payload, retrying failures until the budget is
// spent. It returns nil after the first successful publish, an
// *ExhaustedError carrying the last failure, or ctx.Err() if the context
// ends while waiting to retry.
func (e *Executor) PublishWithRetry(ctx context.Context, topic string, key, payload []byte) error {
	var backoff time.Duration
	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, topic, key, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= e.cfg.MaxRetries {
			e.report(func(r Reporter) { r.PublishExhausted(topic, attempt+1, err) })
			return &ExhaustedError{Topic: topic, Attempts: attempt + 1, Err: err}
		}

		backoff = nextBackoff(backoff, e.cfg)
		e.report(func(r Reporter) { r.PublishRetry(topic, attempt+1, backoff, err) })
		if err := e.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// report calls the reporter with panics contained, so a broken reporter
// cannot change the outcome of a publish.
func (e *Executor) report(fn func(Reporter)) {
	if e.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("publish reporter panic", "panic", fmt.Sprint(r))
		}
	}()
	fn(e.reporter)
}

func (e *Executor) attempt(ctx context.Context, topic string, key, payload []byte) error {
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	return e.pub.Publish(ctx, topic, key, payload)
}

// nextBackoff starts at BackoffInitial and doubles, capped at BackoffMax.
func nextBackoff(cur time.Duration, cfg Config) time.Duration {
	next := cfg.BackoffInitial
	if cur != 0 {
		next = cur * 2
	}
	if next > cfg.BackoffMax {
		next = cfg.BackoffMax
	}
	return next
}
