// Package retry implements C8, the RetryBudget: per-operation-kind delay
// and timeout calculation, throttle detection from recent speed samples,
// and the OperationStats EWMA the rest of that math reads from.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ais-export/shardhist/internal/config"
)

// ErrorKind buckets an error into one of the retry table's rows: a
// rate-limit/slow-mode wait, a timeout, a generic transport-level RPC
// failure, or something unclassified.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindSlowMode
	KindTimeout
	KindGenericRPC
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate-limited"
	case KindSlowMode:
		return "slow-mode"
	case KindTimeout:
		return "timeout"
	case KindGenericRPC:
		return "generic-rpc"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

const maxSpeedHistory = 20

// OperationStats tracks one named operation's rolling health: success rate
// via EWMA (weight 0.8 on the previous rate, 0.2 on the new outcome: 1.0 for
// a success, 0.0 for a failure), consecutive counters, and a
// bounded transfer-speed history feeding throttle detection.
type OperationStats struct {
	mu sync.Mutex

	successRate        float64
	consecutiveSuccess int
	consecutiveFailure int
	timeoutCount       int
	speedHistory       []float64
	lastUsed           time.Time
}

// NewOperationStats starts a fresh, optimistic tracker (success_rate = 1.0).
func NewOperationStats() *OperationStats {
	return &OperationStats{successRate: 1.0, lastUsed: time.Now()}
}

func (s *OperationStats) touch() { s.lastUsed = time.Now() }

// RecordSuccess updates the EWMA toward 1.0 and records a speed sample (in
// KiB/s) for throttle detection.
func (s *OperationStats) RecordSuccess(speedKbps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successRate = s.successRate*0.8 + 1.0*0.2
	s.consecutiveSuccess++
	s.consecutiveFailure = 0
	s.timeoutCount = 0
	s.pushSpeed(speedKbps)
	s.touch()
}

// RecordFailure updates the EWMA toward 0.0. isTimeout additionally bumps
// the sticky timeout_count the timeout calculator scales off of.
func (s *OperationStats) RecordFailure(isTimeout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successRate = s.successRate*0.8 + 0.0*0.2
	s.consecutiveFailure++
	s.consecutiveSuccess = 0
	if isTimeout {
		s.timeoutCount++
	}
	s.touch()
}

func (s *OperationStats) pushSpeed(kbps float64) {
	s.speedHistory = append(s.speedHistory, kbps)
	if len(s.speedHistory) > maxSpeedHistory {
		s.speedHistory = s.speedHistory[len(s.speedHistory)-maxSpeedHistory:]
	}
}

func (s *OperationStats) snapshot() (successRate float64, consecFail, consecSucc, timeoutCount int, speeds []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	speeds = append([]float64(nil), s.speedHistory...)
	return s.successRate, s.consecutiveFailure, s.consecutiveSuccess, s.timeoutCount, speeds
}

// StaleSince reports whether this tracker hasn't been touched since before
// cutoff — the sweep criterion the housekeeper-style background task in
// Registry.Sweep uses to bound memory.
func (s *OperationStats) StaleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed.Before(cutoff)
}

// CalculateDelay returns the next retry delay for attempt (1-based) under
// cfg.Strategy, with optional jitter.
func CalculateDelay(cfg *config.Config, stats *OperationStats, attempt int) time.Duration {
	var d time.Duration
	switch cfg.Strategy {
	case config.StrategyFixed:
		d = cfg.BaseDelay
	case config.StrategyLinear:
		d = cfg.BaseDelay * time.Duration(attempt)
	case config.StrategyExponential:
		d = time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	case config.StrategyAdaptive:
		d = adaptiveDelay(cfg, stats, attempt)
	default:
		d = cfg.BaseDelay
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter {
		d = applyJitter(d, cfg.JitterRange)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// adaptiveDelay widens the exponential backoff when the operation's recent
// success rate is poor, and narrows it back toward the base delay once the
// operation is healthy again, applied on top of the plain EXPONENTIAL value.
func adaptiveDelay(cfg *config.Config, stats *OperationStats, attempt int) time.Duration {
	base := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if stats == nil {
		return base
	}
	successRate, consecFail, _, _, _ := stats.snapshot()
	return time.Duration(float64(base) * adaptiveMultiplier(successRate, consecFail))
}

// adaptiveMultiplier implements the adaptive-backoff table:
// sr>=0.8 -> max(0.5, 1.0-(sr-0.8)*2); sr<=0.3 -> 1+(0.3-sr)*3, further
// x1.5 when consecutive_failures>3, capped at 5.0; otherwise 1.0.
func adaptiveMultiplier(successRate float64, consecFail int) float64 {
	switch {
	case successRate >= 0.8:
		m := 1.0 - (successRate-0.8)*2
		if m < 0.5 {
			m = 0.5
		}
		return m
	case successRate <= 0.3:
		m := 1 + (0.3-successRate)*3
		if consecFail > 3 {
			m *= 1.5
		}
		if m > 5.0 {
			m = 5.0
		}
		return m
	default:
		return 1.0
	}
}

func applyJitter(d time.Duration, jitterRange float64) time.Duration {
	if d <= 0 || jitterRange <= 0 {
		return d
	}
	delta := float64(d) * jitterRange
	offset := (rand.Float64()*2 - 1) * delta // uniform in [-delta, +delta]
	return time.Duration(float64(d) + offset)
}

const (
	minTimeout = 180 * time.Second
	maxTimeout = 14400 * time.Second

	largeFileThresholdMB = 500
	hugeFileThresholdMB  = 2000
)

// CalculateTimeout picks a per-call timeout from the file-size tier
// (base/large/huge thresholds), scaled up by the operation's sticky
// timeout_count, then clamped to [180s, 14400s].
func CalculateTimeout(cfg *config.Config, stats *OperationStats, fileSizeMB int) time.Duration {
	base := cfg.BaseTimeout
	switch {
	case fileSizeMB >= hugeFileThresholdMB:
		base = cfg.HugeFileTimeout
	case fileSizeMB >= largeFileThresholdMB:
		base = cfg.LargeFileTimeout
	}

	if stats != nil {
		_, _, _, timeoutCount, _ := stats.snapshot()
		if timeoutCount > 0 {
			scale := 1.0 + float64(timeoutCount)*0.5
			base = time.Duration(float64(base) * scale)
		}
	}

	if base < minTimeout {
		base = minTimeout
	}
	if base > maxTimeout {
		base = maxTimeout
	}
	return base
}

// IsThrottled reports whether the operation's recent transfer speed has
// dropped below cfg.SpeedThresholdKbps across cfg.DetectionWindow
// consecutive samples — the signal that the remote side is throttling us
// rather than us just hitting a slow chunk.
func IsThrottled(cfg *config.Config, stats *OperationStats) bool {
	if stats == nil {
		return false
	}
	_, _, _, _, speeds := stats.snapshot()
	if len(speeds) < cfg.DetectionWindow {
		return false
	}
	window := speeds[len(speeds)-cfg.DetectionWindow:]
	for _, v := range window {
		if v >= cfg.SpeedThresholdKbps {
			return false
		}
	}
	return true
}

// CalculateThrottleDelay returns the extra backoff to apply once IsThrottled
// is true: min(30, consecutive_failures*2) * U(0.8,1.2).
func CalculateThrottleDelay(stats *OperationStats) time.Duration {
	if stats == nil {
		return 0
	}
	_, consecFail, _, _, _ := stats.snapshot()
	capped := float64(consecFail) * 2
	if capped > 30 {
		capped = 30
	}
	jitter := 0.8 + rand.Float64()*0.4 // uniform in [0.8,1.2]
	return time.Duration(capped * jitter * float64(time.Second))
}

// RateLimitedError is returned by a Connection when the remote side answers
// with a rate-limit response carrying its own wait hint. Retrying after
// RetryAfter does not count against the operation's attempt budget or
// success-rate EWMA — rate limiting is not a failure.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

// SlowModeWaitError is returned by a Connection when the remote imposes a
// slow-mode wait — handled identically to RateLimitedError: waited out
// without consuming the attempt budget.
type SlowModeWaitError struct {
	Wait time.Duration
}

func (e *SlowModeWaitError) Error() string {
	return "slow mode wait " + e.Wait.String()
}

// GenericRPCError marks a remote-call failure that is neither a rate-limit/
// slow-mode wait nor a timeout — a transport-level RPC error distinct from
// an entirely unclassified one, carrying its own row in the delay table.
// Concrete Connection implementations wrap errors in this when they can
// positively identify an RPC-layer failure; anything else classifies as
// KindUnknown.
type GenericRPCError struct {
	cause error
}

func NewGenericRPCError(cause error) *GenericRPCError { return &GenericRPCError{cause: cause} }
func (e *GenericRPCError) Error() string              { return "rpc error: " + e.cause.Error() }
func (e *GenericRPCError) Unwrap() error               { return e.cause }

// ClassifyError maps a concrete error (or nil) into the retry table's
// bucket: RateLimitedError/SlowModeWaitError bypass the retry budget, a
// context deadline gets the timeout row, GenericRPCError gets the
// generic-RPC row, anything else is unknown.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var sm *SlowModeWaitError
	if errors.As(err, &sm) {
		return KindSlowMode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var rpc *GenericRPCError
	if errors.As(err, &rpc) {
		return KindGenericRPC
	}
	return KindUnknown
}

// CalculateErrorDelay implements the per-kind delay table for the three
// kinds whose retry isn't already handled by the wait-then-repeat-same-attempt
// path (rate-limited/slow-mode): Timeout gets
// 10+5*attempt scaled by min(timeout_count,5) once more than one timeout has
// been seen, capped at 300s; GenericRPC gets 3+1.5*attempt capped at 30s;
// everything else (KindUnknown) gets 2+attempt capped at 60s.
func CalculateErrorDelay(kind ErrorKind, attempt int, stats *OperationStats) time.Duration {
	switch kind {
	case KindTimeout:
		base := 10.0 + 5.0*float64(attempt)
		if stats != nil {
			_, _, _, timeoutCount, _ := stats.snapshot()
			if timeoutCount > 1 {
				base *= float64(minInt(timeoutCount, 5))
			}
		}
		return capSeconds(base, 300)
	case KindGenericRPC:
		return capSeconds(3.0+1.5*float64(attempt), 30)
	default:
		return capSeconds(2.0+float64(attempt), 60)
	}
}

func capSeconds(seconds float64, max float64) time.Duration {
	if seconds > max {
		seconds = max
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ShouldRetry reports whether attempt (already made, 1-based) should be
// followed by another, given cfg.MaxAttempts and the error's kind.
// Rate-limited/slow-mode waits never reach ShouldRetry — ExecuteWithRetry
// handles them before the attempt budget is ever consulted.
func ShouldRetry(cfg *config.Config, kind ErrorKind, attempt int) bool {
	if kind == KindFatal {
		return false
	}
	return attempt < cfg.MaxAttempts
}

// AttemptFunc performs one bounded attempt of a retried operation.
type AttemptFunc[T any] func(ctx context.Context) (T, error)

// ExecuteWithRetry is C8's execute-with-retry entry point: it binds each
// attempt to a CalculateTimeout-derived deadline, honors throttle detection
// before issuing a new attempt, retries rate-limited/slow-mode waits without
// consuming the attempt budget, and applies CalculateErrorDelay between
// counted attempts — the single real call path the rest of this package's
// otherwise test-only math is exercised through. pool, if non-nil, gates
// concurrent in-flight attempts through one of C8's per-class task pools;
// fileSizeMB selects CalculateTimeout's tier (0 for calls with no known
// size, e.g. a metadata page).
func ExecuteWithRetry[T any](ctx context.Context, cfg *config.Config, stats *OperationStats, pool *Pool, fileSizeMB int, fn AttemptFunc[T]) (T, error) {
	var zero T
	attempt := 1
	for {
		if stats != nil && IsThrottled(cfg, stats) {
			if wait := CalculateThrottleDelay(stats); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return zero, ctx.Err()
				}
			}
		}

		if pool != nil {
			if err := pool.Acquire(ctx); err != nil {
				return zero, err
			}
		}
		timeout := CalculateTimeout(cfg, stats, fileSizeMB)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := fn(attemptCtx)
		cancel()
		if pool != nil {
			pool.Release()
		}

		if err == nil {
			return result, nil
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			select {
			case <-time.After(rl.RetryAfter):
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		var sm *SlowModeWaitError
		if errors.As(err, &sm) {
			select {
			case <-time.After(sm.Wait):
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		kind := ClassifyError(err)
		isTimeout := kind == KindTimeout
		if stats != nil {
			stats.RecordFailure(isTimeout)
		}
		if !ShouldRetry(cfg, kind, attempt) {
			return zero, err
		}
		delay := CalculateErrorDelay(kind, attempt, stats)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
