package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDelaySchedule is the per-attempt wait before retrying. Attempts
// past the end of the schedule back off exponentially from the last entry.
var DefaultDelaySchedule = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// DefaultMaxRetries is the retry count after the initial attempt.
const DefaultMaxRetries = 3

// Hooks are the recovery actions applied between attempts. All fields are
// optional; a nil hook means the class retries on delay alone, except
// validation which propagates immediately without TryAlternative.
type Hooks struct {
	// ReduceContext trims the prompt context after a token_limit error.
	ReduceContext func(attempt int)

	// AddFeedback folds the failure message into the next generation
	// attempt after a generation error.
	AddFeedback func(message string)

	// TryAlternative switches strategy after a validation failure.
	TryAlternative func(attempt int)

	// IncreaseTimeout extends the operation deadline after a timeout.
	// Applied at most once per Do call.
	IncreaseTimeout func()
}

// Config tunes a Handler.
type Config struct {
	MaxRetries    int
	DelaySchedule []time.Duration
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		DelaySchedule: DefaultDelaySchedule,
	}
}

// Attempt describes one failed try, passed to the OnRetry callback.
type Attempt struct {
	Number int
	Class  Class
	Err    error
	Delay  time.Duration
}

// Handler runs operations with classified retries.
type Handler struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	// OnRetry, when set, observes every scheduled retry.
	OnRetry func(op string, a Attempt)
}

// NewHandler creates a retry handler. A zero MaxRetries or empty schedule
// falls back to the defaults.
func NewHandler(cfg Config, hooks Hooks, logger *slog.Logger) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.DelaySchedule) == 0 {
		cfg.DelaySchedule = DefaultDelaySchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, hooks: hooks, logger: logger}
}

// Delay returns the wait before retry number attempt (1-based). Beyond the
// schedule it doubles from the last entry.
func (h *Handler) Delay(attempt int) time.Duration {
	schedule := h.cfg.DelaySchedule
	if attempt <= len(schedule) {
		return schedule[attempt-1]
	}
	d := schedule[len(schedule)-1]
	for i := len(schedule); i < attempt; i++ {
		d *= 2
	}
	return d
}

// Do runs fn up to MaxRetries+1 times. Between attempts it applies the
// recovery hook for the error's class and sleeps the scheduled delay.
// Auth and unrecoverable errors propagate immediately, as do validation
// failures when no TryAlternative hook is set. The last error is returned
// once attempts are exhausted.
func (h *Handler) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	timeoutIncreased := false

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if !Retryable(class) {
			h.logger.Warn("operation failed without retry",
				"operation", op, "class", string(class), "error", lastErr)
			return lastErr
		}
		if attempt == h.cfg.MaxRetries {
			break
		}

		switch class {
		case ClassTokenLimit:
			if h.hooks.ReduceContext != nil {
				h.hooks.ReduceContext(attempt + 1)
			}
		case ClassGeneration:
			if h.hooks.AddFeedback != nil {
				h.hooks.AddFeedback(lastErr.Error())
			}
		case ClassValidation:
			if h.hooks.TryAlternative == nil {
				return lastErr
			}
			h.hooks.TryAlternative(attempt + 1)
		case ClassTimeout:
			if h.hooks.IncreaseTimeout != nil && !timeoutIncreased {
				h.hooks.IncreaseTimeout()
				timeoutIncreased = true
			}
		}

		delay := h.Delay(attempt + 1)
		if class == ClassRateLimit {
			if after := retryAfter(lastErr); after > delay {
				delay = after
			}
		}

		h.logger.Info("retrying operation",
			"operation", op, "attempt", attempt+1, "class", string(class), "delay", delay)
		if h.OnRetry != nil {
			h.OnRetry(op, Attempt{Number: attempt + 1, Class: class, Err: lastErr, Delay: delay})
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, h.cfg.MaxRetries+1, lastErr)
}

func retryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return time.Duration(httpErr.RetryAfter) * time.Second
	}
	return 0
}
