package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the terminal state of one processed item.
type Outcome string

const (
	// OutcomeSuccess - processed cleanly on the first attempt
	OutcomeSuccess Outcome = "success"
	// OutcomeRetried - succeeded after at least one retry
	OutcomeRetried Outcome = "retried"
	// OutcomeFailed - exhausted all attempts
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped - never attempted because the breaker tripped
	OutcomeSkipped Outcome = "skipped"
)

// CircuitBreakerError marks items skipped after the failure-rate trip.
type CircuitBreakerError struct {
	FailureRate float64
	Window      int
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("batch circuit breaker open: %.0f%% failures over last %d items", e.FailureRate*100, e.Window)
}

// Config tunes retry, concurrency and trip behaviour for one processor.
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxConcurrent     int
	ItemTimeout       time.Duration
	BreakerThreshold  float64 // failure ratio in (0,1]
	BreakerWindow     int     // trailing item count
	ContinueOnFailure bool
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.BreakerThreshold <= 0 || c.BreakerThreshold > 1 {
		c.BreakerThreshold = 0.5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 10
	}
}

// ItemResult is the per-item outcome record.
type ItemResult[T any] struct {
	Item     T
	Outcome  Outcome
	Attempts int
	Err      error
	Duration time.Duration
}

// Result aggregates a whole batch run.
type Result[T any] struct {
	Items        []ItemResult[T]
	Succeeded    int
	Retried      int
	Failed       int
	Skipped      int
	Tripped      bool
	Duration     time.Duration
	ErrorsByType map[string]int
}

// Processed counts items that reached a handler at least once.
func (r *Result[T]) Processed() int {
	return r.Succeeded + r.Retried + r.Failed
}

// Processor runs a batch of items through a handler with bounded
// concurrency, exponential retry and a trailing-window failure breaker.
type Processor[T any] struct {
	cfg Config
	log zerolog.Logger
}

// New builds a Processor. Zero-value config fields get safe defaults.
func New[T any](cfg Config, log zerolog.Logger) *Processor[T] {
	cfg.applyDefaults()
	return &Processor[T]{
		cfg: cfg,
		log: log.With().Str("component", "batch").Logger(),
	}
}

// Process runs every item through fn and reports per-item outcomes.
// Once the trailing window fills past the failure threshold the breaker
// trips: remaining items are skipped with a CircuitBreakerError unless
// ContinueOnFailure is set, in which case the trip is only logged.
func (p *Processor[T]) Process(ctx context.Context, items []T, fn func(context.Context, T) error) Result[T] {
	start := time.Now()
	result := Result[T]{
		Items:        make([]ItemResult[T], len(items)),
		ErrorsByType: make(map[string]int),
	}

	window := newSlidingWindow(p.cfg.BreakerWindow)
	sem := make(chan struct{}, p.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// Re-check at execution time so items queued behind the
			// semaphore still observe a trip caused by earlier items.
			if tripped, rate := window.tripped(p.cfg.BreakerThreshold); tripped {
				if !p.cfg.ContinueOnFailure {
					result.Items[i] = ItemResult[T]{
						Item:    item,
						Outcome: OutcomeSkipped,
						Err:     &CircuitBreakerError{FailureRate: rate, Window: p.cfg.BreakerWindow},
					}
					return
				}
				window.logTripOnce(p.log, rate)
			}

			itemResult := p.processItem(ctx, item, fn)
			window.record(itemResult.Outcome == OutcomeFailed)
			result.Items[i] = itemResult
		}()
	}
	wg.Wait()

	for _, item := range result.Items {
		switch item.Outcome {
		case OutcomeSuccess:
			result.Succeeded++
		case OutcomeRetried:
			result.Retried++
		case OutcomeFailed:
			result.Failed++
		case OutcomeSkipped:
			result.Skipped++
			result.Tripped = true
		}
		if item.Err != nil {
			result.ErrorsByType[errorType(item.Err)]++
		}
	}
	if window.tripLogged() {
		result.Tripped = true
	}
	result.Duration = time.Since(start)

	p.log.Info().
		Int("total", len(items)).
		Int("succeeded", result.Succeeded).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Bool("tripped", result.Tripped).
		Dur("duration", result.Duration).
		Msg("batch complete")

	return result
}

func (p *Processor[T]) processItem(ctx context.Context, item T, fn func(context.Context, T) error) ItemResult[T] {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p.cfg.RetryDelay, p.cfg.BackoffMultiplier, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ItemResult[T]{Item: item, Outcome: OutcomeFailed, Attempts: attempt, Err: ctx.Err(), Duration: time.Since(start)}
			}
		}

		lastErr = p.runWithTimeout(ctx, item, fn)
		if lastErr == nil {
			outcome := OutcomeSuccess
			if attempt > 0 {
				outcome = OutcomeRetried
			}
			return ItemResult[T]{Item: item, Outcome: outcome, Attempts: attempt + 1, Duration: time.Since(start)}
		}
		if ctx.Err() != nil {
			break
		}
	}

	return ItemResult[T]{
		Item:     item,
		Outcome:  OutcomeFailed,
		Attempts: p.cfg.MaxRetries + 1,
		Err:      lastErr,
		Duration: time.Since(start),
	}
}

func (p *Processor[T]) runWithTimeout(ctx context.Context, item T, fn func(context.Context, T) error) error {
	if p.cfg.ItemTimeout <= 0 {
		return fn(ctx, item)
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(itemCtx, item) }()

	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return itemCtx.Err()
	}
}

func backoffDelay(base time.Duration, multiplier float64, retries int) time.Duration {
	delay := float64(base)
	for i := 0; i < retries; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}

// errorType buckets errors for the aggregate report.
func errorType(err error) string {
	var breaker *CircuitBreakerError
	switch {
	case errors.As(err, &breaker):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	root := err
	for {
		unwrapped := errors.Unwrap(root)
		if unwrapped == nil {
			break
		}
		root = unwrapped
	}
	return fmt.Sprintf("%T", root)
}

// slidingWindow tracks pass/fail over the trailing N items.
type slidingWindow struct {
	mu        sync.Mutex
	size      int
	events    []bool // true = failure
	logged    bool
	logTarget sync.Once
}

func newSlidingWindow(size int) *slidingWindow {
	return &slidingWindow{size: size}
}

func (w *slidingWindow) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events = append(w.events, failed)
	if len(w.events) > w.size {
		w.events = w.events[len(w.events)-w.size:]
	}
}

// tripped reports whether the window is full and over the threshold.
func (w *slidingWindow) tripped(threshold float64) (bool, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.events) < w.size {
		return false, 0
	}
	failures := 0
	for _, failed := range w.events {
		if failed {
			failures++
		}
	}
	rate := float64(failures) / float64(len(w.events))
	return rate > threshold, rate
}

func (w *slidingWindow) logTripOnce(log zerolog.Logger, rate float64) {
	w.logTarget.Do(func() {
		w.mu.Lock()
		w.logged = true
		w.mu.Unlock()
		log.Warn().
			Float64("failure_rate", rate).
			Msg("failure threshold exceeded, continuing per config")
	})
}

func (w *slidingWindow) tripLogged() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logged
}
