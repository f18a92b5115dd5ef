package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/metrics"
)

// ErrMalformedOutput - ответ модели не удалось разобрать или он не прошел схему.
// Повторяется в рамках того же бюджета попыток, что и временные ошибки.
var ErrMalformedOutput = errors.New("malformed model output")

// IsRetryable сообщает, стоит ли повторять вызов.
func IsRetryable(err error) bool {
	return llm.IsTransient(err) || imagegen.IsTransient(err) || errors.Is(err, ErrMalformedOutput)
}

// Policy - параметры повторов на границе стадии.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration // 0 - без отдельного таймаута на попытку
}

// Retrier выполняет вызов с экспоненциальной задержкой и джиттером ±10%.
type Retrier struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64 // значение в [-1, 1)
}

// New создает Retrier. MaxAttempts < 1 трактуется как одна попытка.
func New(policy Policy) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy: policy,
		sleep:  sleepContext,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// WithSleep подменяет ожидание между попытками (для тестов).
func (r *Retrier) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	c := *r
	c.sleep = sleep
	return &c
}

// Policy возвращает параметры повторов.
func (r *Retrier) Policy() Policy { return r.policy }

// Do вызывает fn до MaxAttempts раз. Повторяются только ошибки, для которых
// IsRetryable вернул true. Возвращает число сделанных попыток и последнюю ошибку.
// Отмена родительского контекста прерывает повторы сразу.
func (r *Retrier) Do(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		err := fn(attemptCtx)
		attemptErr := attemptCtx.Err()
		cancel()

		if err == nil {
			return attempt, nil
		}
		// Таймаут попытки приводим к временной ошибке порта, если провайдер
		// вернул что-то свое (например, обернутый context.DeadlineExceeded).
		if errors.Is(attemptErr, context.DeadlineExceeded) && ctx.Err() == nil && !IsRetryable(err) {
			err = errors.Join(llm.ErrTimeout, err)
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, lastErr
		}
		if !IsRetryable(err) {
			return attempt, lastErr
		}
		if attempt == r.policy.MaxAttempts {
			log.Warn("Retry attempts exhausted",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return attempt, lastErr
		}

		wait := r.backoff(attempt)
		log.Warn("Retrying after error",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		metrics.StageRetries.WithLabelValues(op).Inc()
		if err := r.sleep(ctx, wait); err != nil {
			return attempt, lastErr
		}
	}
	return r.policy.MaxAttempts, lastErr
}

// backoff считает задержку перед попыткой attempt+1: base*2^(attempt-1) ±10%,
// не меньше base и не больше MaxDelay.
func (r *Retrier) backoff(attempt int) time.Duration {
	base := r.policy.BaseDelay
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	delay += delay * 0.1 * r.jitter()
	wait := time.Duration(delay)
	if wait < base {
		wait = base
	}
	if r.policy.MaxDelay > 0 && wait > r.policy.MaxDelay {
		wait = r.policy.MaxDelay
	}
	return wait
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
