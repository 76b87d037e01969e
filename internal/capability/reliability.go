package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"golang.org/x/time/rate"
)

// ThrottleError — инструмент просит повторить позже (например, считал Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ReliabilityConfig — параметры обертки вызова одного инструмента
type ReliabilityConfig struct {
	RateLimit     float64 // вызовов в секунду, 0: без ограничения
	RateBurst     int
	RetryAttempts uint // 1: без повторов
	CallTimeout   time.Duration

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32 // подряд идущих ошибок до размыкания
}

// ReliabilityFromConfig переносит настройки из конфигурации рантайма
func ReliabilityFromConfig(c infra.CapabilityConfig) ReliabilityConfig {
	return ReliabilityConfig{
		RateLimit:     c.RateLimit,
		RateBurst:     c.RateBurst,
		RetryAttempts: c.RetryAttempts,
		CallTimeout:   c.CallTimeout,
		CBMaxRequests: c.CBMaxRequests,
		CBInterval:    c.CBInterval,
		CBTimeout:     c.CBTimeout,
		CBFailures:    c.CBFailures,
	}
}

// ReliabilityWrapper: rate limiter → circuit breaker → retry → timeout на попытку.
// Экземпляр на привязку: предохранитель одного инструмента не влияет на остальные.
type ReliabilityWrapper struct {
	next    Tool
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(name string, next Tool, cfg ReliabilityConfig, onState func(name string, to gobreaker.State)) *ReliabilityWrapper {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.CBFailures == 0 {
		cfg.CBFailures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailures
		},
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			if onState != nil {
				onState(name, to)
			}
		},
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &ReliabilityWrapper{next: next, cb: cb, limiter: limiter, cfg: cfg}
}

// State — текущее состояние предохранителя
func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }

// Call возвращает результат и число выполненных попыток.
func (w *ReliabilityWrapper) Call(ctx context.Context, args map[string]interface{}) (interface{}, uint, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var (
		result   interface{}
		attempts uint
	)

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.LastErrorOnly(true),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Инструмент сам сказал, когда повторить
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			attempts++
			callCtx := ctx
			if w.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
				defer cancel()
			}

			var callErr error
			result, callErr = w.next.Invoke(callCtx, args)
			return callErr
		})
		return nil, retryErr
	})
	if err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}
