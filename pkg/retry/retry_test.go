package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limit status", &HTTPError{StatusCode: 429, Message: "slow down"}, ClassRateLimit},
		{"rate limit text", errors.New("provider rate limit hit"), ClassRateLimit},
		{"token limit status", &HTTPError{StatusCode: 400, Message: "context length exceeded"}, ClassTokenLimit},
		{"token limit text", errors.New("prompt too long for model"), ClassTokenLimit},
		{"auth 401", &HTTPError{StatusCode: 401, Message: "bad key"}, ClassAuth},
		{"auth 403", &HTTPError{StatusCode: 403, Message: "nope"}, ClassAuth},
		{"auth text", errors.New("invalid api key"), ClassAuth},
		{"server error", &HTTPError{StatusCode: 503, Message: "overloaded"}, ClassNetwork},
		{"conn refused", errors.New("dial tcp: connection refused"), ClassNetwork},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"timeout text", errors.New("request timed out"), ClassTimeout},
		{"parse failure", errors.New("unexpected token in json output"), ClassGeneration},
		{"validation sentinel", fmt.Errorf("gate: %w", ErrValidation), ClassValidation},
		{"tool sentinel", fmt.Errorf("run tests: %w", ErrToolExecution), ClassToolError},
		{"unknown", errors.New("something odd"), ClassUnrecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(ClassAuth))
	assert.False(t, Retryable(ClassUnrecoverable))
	assert.True(t, Retryable(ClassRateLimit))
	assert.True(t, Retryable(ClassNetwork))
	assert.True(t, Retryable(ClassValidation))
}

func TestHandler_DelaySchedule(t *testing.T) {
	h := NewHandler(DefaultConfig(), Hooks{}, nil)

	assert.Equal(t, time.Second, h.Delay(1))
	assert.Equal(t, 2*time.Second, h.Delay(2))
	assert.Equal(t, 5*time.Second, h.Delay(3))
	// Past the schedule: exponential from the last entry.
	assert.Equal(t, 10*time.Second, h.Delay(4))
	assert.Equal(t, 20*time.Second, h.Delay(5))
}

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:    maxRetries,
		DelaySchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}
}

func TestHandler_SucceedsAfterTransientFailures(t *testing.T) {
	h := NewHandler(fastConfig(3), Hooks{}, nil)

	calls := 0
	err := h.Do(context.Background(), "generate", func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestHandler_ExhaustsAttempts(t *testing.T) {
	h := NewHandler(fastConfig(2), Hooks{}, nil)

	calls := 0
	err := h.Do(context.Background(), "generate", func(context.Context, int) error {
		calls++
		return errors.New("request timed out")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestHandler_AuthFailsImmediately(t *testing.T) {
	h := NewHandler(fastConfig(3), Hooks{}, nil)

	calls := 0
	err := h.Do(context.Background(), "analyze", func(context.Context, int) error {
		calls++
		return &HTTPError{StatusCode: 401, Message: "bad key"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestHandler_TokenLimitReducesContext(t *testing.T) {
	var reductions []int
	h := NewHandler(fastConfig(2), Hooks{
		ReduceContext: func(attempt int) { reductions = append(reductions, attempt) },
	}, nil)

	calls := 0
	err := h.Do(context.Background(), "generate", func(context.Context, int) error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 400, Message: "context length exceeded"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, reductions)
}

func TestHandler_GenerationAddsFeedback(t *testing.T) {
	var feedback []string
	h := NewHandler(fastConfig(2), Hooks{
		AddFeedback: func(msg string) { feedback = append(feedback, msg) },
	}, nil)

	calls := 0
	err := h.Do(context.Background(), "generate", func(context.Context, int) error {
		calls++
		if calls == 1 {
			return errors.New("unexpected token in json output")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Contains(t, feedback[0], "unexpected token")
}

func TestHandler_ValidationWithoutHookPropagates(t *testing.T) {
	h := NewHandler(fastConfig(3), Hooks{}, nil)

	calls := 0
	err := h.Do(context.Background(), "validate", func(context.Context, int) error {
		calls++
		return fmt.Errorf("coverage too low: %w", ErrValidation)
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestHandler_ValidationWithHookRetries(t *testing.T) {
	alternatives := 0
	h := NewHandler(fastConfig(2), Hooks{
		TryAlternative: func(int) { alternatives++ },
	}, nil)

	calls := 0
	err := h.Do(context.Background(), "validate", func(context.Context, int) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("gate rejected bundle: %w", ErrValidation)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, alternatives)
}

func TestHandler_TimeoutIncreasesOnce(t *testing.T) {
	increases := 0
	h := NewHandler(fastConfig(3), Hooks{
		IncreaseTimeout: func() { increases++ },
	}, nil)

	err := h.Do(context.Background(), "generate", func(context.Context, int) error {
		return errors.New("request timed out")
	})
	require.Error(t, err)
	assert.Equal(t, 1, increases)
}

func TestHandler_RateLimitHonorsRetryAfter(t *testing.T) {
	h := NewHandler(Config{
		MaxRetries:    1,
		DelaySchedule: []time.Duration{time.Millisecond},
	}, Hooks{}, nil)

	var observed time.Duration
	h.OnRetry = func(_ string, a Attempt) { observed = a.Delay }

	start := time.Now()
	err := h.Do(context.Background(), "generate", func(context.Context, int) error {
		return &HTTPError{StatusCode: 429, Message: "slow down", RetryAfter: 1}
	})
	require.Error(t, err)
	assert.Equal(t, time.Second, observed)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestHandler_ContextCancelStopsWait(t *testing.T) {
	h := NewHandler(Config{
		MaxRetries:    3,
		DelaySchedule: []time.Duration{time.Minute},
	}, Hooks{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := h.Do(ctx, "generate", func(context.Context, int) error {
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
