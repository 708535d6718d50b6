package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/aviisi/virta/internal/workerpool"
	"github.com/aviisi/virta/pkg/api"
)

// supervisor runs handler work on the shared pool, enforcing the
// per-attempt timeout and the retry policy from the config.
type supervisor struct {
	pool   *workerpool.Pool
	logger *slog.Logger

	// sleep is swappable so tests can skip real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func newSupervisor(pool *workerpool.Pool, logger *slog.Logger) *supervisor {
	return &supervisor{pool: pool, logger: logger, sleep: ctxSleep}
}

// run executes fn with retries. It returns the successful result, the
// number of attempts made, and the last error when all attempts fail.
// onRetry, when non-nil, is called before each retry sleep with the
// failed attempt number and its error.
//
// max_retries counts retries after the first attempt, so max_retries=2
// means up to three attempts. Timeouts are always retried while attempts
// remain; handler errors are retried unless retry_on_error is false.
func (s *supervisor) run(ctx context.Context, cfg api.AutomationConfig, fn workerpool.Task, onRetry func(attempt int, err error)) (map[string]any, int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		value, err := s.attempt(ctx, cfg, fn)
		if err == nil {
			return value, attempt, nil
		}
		if ctx.Err() != nil {
			// Caller gave up; don't burn remaining attempts.
			return nil, attempt, err
		}
		lastErr = err

		if attempt > cfg.MaxRetries || !retryable(cfg, err) {
			return nil, attempt, lastErr
		}

		s.logger.Warn("automation attempt failed, retrying",
			"type", cfg.Type,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", err)
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := s.sleep(ctx, cfg.RetryDelay()); err != nil {
			return nil, attempt, err
		}
	}
}

// attempt runs fn once on the pool under the per-attempt deadline.
func (s *supervisor) attempt(ctx context.Context, cfg api.AutomationConfig, fn workerpool.Task) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	resultCh, err := s.pool.Submit(attemptCtx, fn)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-attemptCtx.Done():
		// The worker keeps draining the abandoned task; we only stop
		// waiting for it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &api.AutomationError{Type: cfg.Type, Timeout: true, Err: context.DeadlineExceeded}
	}
}

func retryable(cfg api.AutomationConfig, err error) bool {
	if api.IsTimeout(err) {
		return true
	}
	return cfg.RetryOnError == nil || *cfg.RetryOnError
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
