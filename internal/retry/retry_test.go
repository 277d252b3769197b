package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ais-export/shardhist/internal/config"
	"github.com/ais-export/shardhist/internal/retry"
)

var _ = Describe("OperationStats", func() {
	It("still yields a positive ADAPTIVE delay after failures", func() {
		s := retry.NewOperationStats()
		s.RecordFailure(false)
		s.RecordFailure(false)
		// successRate = 1*0.8+0 = 0.8, then 0.8*0.8+0 = 0.64 — strictly decreasing
		cfg := config.Default()
		cfg.Strategy = config.StrategyAdaptive
		d1 := retry.CalculateDelay(cfg, s, 1)
		Expect(d1).To(BeNumerically(">", 0))
	})

	It("reports staleness relative to its last recorded outcome", func() {
		s := retry.NewOperationStats()
		s.RecordSuccess(100)
		s.RecordFailure(false)
		s.RecordFailure(false)
		s.RecordFailure(true)
		Expect(s.StaleSince(time.Now().Add(time.Hour))).To(BeTrue())
		Expect(s.StaleSince(time.Now().Add(-time.Hour))).To(BeFalse())
	})
})

var _ = Describe("CalculateDelay", func() {
	cfg := config.Default()

	It("grows linearly under LINEAR", func() {
		cfg.Strategy = config.StrategyLinear
		cfg.Jitter = false
		Expect(retry.CalculateDelay(cfg, nil, 1)).To(Equal(cfg.BaseDelay))
		Expect(retry.CalculateDelay(cfg, nil, 3)).To(Equal(3 * cfg.BaseDelay))
	})

	It("grows exponentially under EXPONENTIAL and clamps to MaxDelay", func() {
		cfg.Strategy = config.StrategyExponential
		cfg.Jitter = false
		cfg.BaseDelay = time.Second
		cfg.BackoffMultiplier = 2.0
		cfg.MaxDelay = 10 * time.Second
		Expect(retry.CalculateDelay(cfg, nil, 1)).To(Equal(time.Second))
		Expect(retry.CalculateDelay(cfg, nil, 10)).To(Equal(cfg.MaxDelay))
	})

	It("widens under ADAPTIVE when the operation has been failing", func() {
		cfg.Strategy = config.StrategyAdaptive
		cfg.Jitter = false
		cfg.BaseDelay = time.Second
		cfg.BackoffMultiplier = 2.0
		cfg.MaxDelay = time.Minute

		healthy := retry.NewOperationStats()
		for i := 0; i < 10; i++ {
			healthy.RecordSuccess(100)
		}
		unhealthy := retry.NewOperationStats()
		for i := 0; i < 6; i++ {
			unhealthy.RecordFailure(false)
		}

		dHealthy := retry.CalculateDelay(cfg, healthy, 2)
		dUnhealthy := retry.CalculateDelay(cfg, unhealthy, 2)
		Expect(dUnhealthy).To(BeNumerically(">", dHealthy))
	})
})

var _ = Describe("CalculateTimeout", func() {
	cfg := config.Default()

	It("clamps to the [180s,14400s] band", func() {
		cfg.BaseTimeout = time.Second
		Expect(retry.CalculateTimeout(cfg, nil, 1)).To(Equal(180 * time.Second))

		cfg.HugeFileTimeout = 100 * time.Hour
		Expect(retry.CalculateTimeout(cfg, nil, 5000)).To(Equal(14400 * time.Second))
	})

	It("scales up with a sticky timeout_count", func() {
		// 120s alone clamps up to 180s; two timeouts double it to 240s.
		cfg.BaseTimeout = 120 * time.Second
		s := retry.NewOperationStats()
		s.RecordFailure(true)
		s.RecordFailure(true)
		withoutTimeouts := retry.CalculateTimeout(cfg, nil, 1)
		withTimeouts := retry.CalculateTimeout(cfg, s, 1)
		Expect(withTimeouts).To(BeNumerically(">", withoutTimeouts))
	})
})

var _ = Describe("IsThrottled", func() {
	cfg := config.Default()
	cfg.DetectionWindow = 3
	cfg.SpeedThresholdKbps = 50

	It("is false with too few samples", func() {
		s := retry.NewOperationStats()
		s.RecordSuccess(10)
		Expect(retry.IsThrottled(cfg, s)).To(BeFalse())
	})

	It("is true once DetectionWindow consecutive samples are all below threshold", func() {
		s := retry.NewOperationStats()
		s.RecordSuccess(10)
		s.RecordSuccess(20)
		s.RecordSuccess(5)
		Expect(retry.IsThrottled(cfg, s)).To(BeTrue())
	})

	It("is false if even one recent sample clears the threshold", func() {
		s := retry.NewOperationStats()
		s.RecordSuccess(10)
		s.RecordSuccess(200)
		s.RecordSuccess(5)
		Expect(retry.IsThrottled(cfg, s)).To(BeFalse())
	})
})

var _ = Describe("Registry", func() {
	It("isolates stats per operation name", func() {
		reg := retry.NewRegistry()
		a := reg.Get("fetch")
		b := reg.Get("write")
		Expect(a).NotTo(BeIdenticalTo(b))
		Expect(reg.Get("fetch")).To(BeIdenticalTo(a))
	})

	It("sweeps stale entries", func() {
		reg := retry.NewRegistry()
		reg.Get("a")
		reg.Get("b")
		Expect(reg.Len()).To(Equal(2))
		n := reg.Sweep(time.Now().Add(time.Hour))
		Expect(n).To(Equal(2))
		Expect(reg.Len()).To(Equal(0))
	})
})

var _ = Describe("CalculateThrottleDelay", func() {
	It("is zero with no recorded failures", func() {
		s := retry.NewOperationStats()
		Expect(retry.CalculateThrottleDelay(s)).To(Equal(time.Duration(0)))
	})

	It("scales with consecutive_failures*2, jittered into [0.8,1.2]x", func() {
		s := retry.NewOperationStats()
		for i := 0; i < 3; i++ {
			s.RecordFailure(false)
		}
		d := retry.CalculateThrottleDelay(s)
		Expect(d).To(BeNumerically(">=", time.Duration(float64(6*time.Second)*0.8)))
		Expect(d).To(BeNumerically("<=", time.Duration(float64(6*time.Second)*1.2)))
	})

	It("caps the pre-jitter value at 30s", func() {
		s := retry.NewOperationStats()
		for i := 0; i < 100; i++ {
			s.RecordFailure(false)
		}
		d := retry.CalculateThrottleDelay(s)
		Expect(d).To(BeNumerically("<=", time.Duration(float64(30*time.Second)*1.2)))
	})

	It("is zero for a nil stats tracker", func() {
		Expect(retry.CalculateThrottleDelay(nil)).To(Equal(time.Duration(0)))
	})
})

var _ = Describe("ClassifyError", func() {
	It("classifies nil as unknown", func() {
		Expect(retry.ClassifyError(nil)).To(Equal(retry.KindUnknown))
	})

	It("classifies RateLimitedError", func() {
		err := &retry.RateLimitedError{RetryAfter: time.Second}
		Expect(retry.ClassifyError(err)).To(Equal(retry.KindRateLimited))
	})

	It("classifies SlowModeWaitError", func() {
		err := &retry.SlowModeWaitError{Wait: time.Second}
		Expect(retry.ClassifyError(err)).To(Equal(retry.KindSlowMode))
	})

	It("classifies context.DeadlineExceeded as a timeout", func() {
		Expect(retry.ClassifyError(context.DeadlineExceeded)).To(Equal(retry.KindTimeout))
		wrapped := fmt.Errorf("call failed: %w", context.DeadlineExceeded)
		Expect(retry.ClassifyError(wrapped)).To(Equal(retry.KindTimeout))
	})

	It("classifies GenericRPCError", func() {
		err := retry.NewGenericRPCError(errors.New("boom"))
		Expect(retry.ClassifyError(err)).To(Equal(retry.KindGenericRPC))
	})

	It("classifies anything else as unknown", func() {
		Expect(retry.ClassifyError(errors.New("mystery"))).To(Equal(retry.KindUnknown))
	})
})

var _ = Describe("CalculateErrorDelay", func() {
	It("scales the timeout row by timeoutCount once more than one timeout has been seen", func() {
		s := retry.NewOperationStats()
		s.RecordFailure(true)
		s.RecordFailure(true)
		d := retry.CalculateErrorDelay(retry.KindTimeout, 1, s)
		// base 10+5*1=15, timeoutCount=2 -> 15*2=30s
		Expect(d).To(Equal(30 * time.Second))
	})

	It("caps the timeout row at 300s", func() {
		s := retry.NewOperationStats()
		for i := 0; i < 10; i++ {
			s.RecordFailure(true)
		}
		d := retry.CalculateErrorDelay(retry.KindTimeout, 50, s)
		Expect(d).To(Equal(300 * time.Second))
	})

	It("caps the generic-RPC row at 30s", func() {
		d := retry.CalculateErrorDelay(retry.KindGenericRPC, 100, nil)
		Expect(d).To(Equal(30 * time.Second))
	})

	It("caps the unknown/default row at 60s", func() {
		d := retry.CalculateErrorDelay(retry.KindUnknown, 100, nil)
		Expect(d).To(Equal(60 * time.Second))
	})

	It("computes the unknown row's 2+attempt formula below the cap", func() {
		d := retry.CalculateErrorDelay(retry.KindUnknown, 3, nil)
		Expect(d).To(Equal(5 * time.Second))
	})
})

var _ = Describe("ExecuteWithRetry", func() {
	It("returns the result on a successful first attempt without touching stats", func() {
		cfg := config.Default()
		stats := retry.NewOperationStats()
		got, err := retry.ExecuteWithRetry(context.Background(), cfg, stats, nil, 0,
			func(ctx context.Context) (int, error) { return 42, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(42))
	})

	It("retries a RateLimitedError without consuming the attempt budget", func() {
		cfg := config.Default()
		cfg.MaxAttempts = 1 // a single counted attempt would fail if this one were charged
		stats := retry.NewOperationStats()
		attempts := 0
		got, err := retry.ExecuteWithRetry(context.Background(), cfg, stats, nil, 0,
			func(ctx context.Context) (string, error) {
				attempts++
				if attempts == 1 {
					return "", &retry.RateLimitedError{RetryAfter: time.Millisecond}
				}
				return "ok", nil
			})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal("ok"))
		Expect(attempts).To(Equal(2))
	})

	It("gives up once ShouldRetry's attempt ceiling is reached", func() {
		cfg := config.Default()
		cfg.MaxAttempts = 2
		cfg.Strategy = config.StrategyFixed
		cfg.BaseDelay = time.Millisecond
		stats := retry.NewOperationStats()
		attempts := 0
		boom := errors.New("boom")
		_, err := retry.ExecuteWithRetry(context.Background(), cfg, stats, nil, 0,
			func(ctx context.Context) (int, error) {
				attempts++
				return 0, boom
			})
		Expect(err).To(Equal(boom))
		Expect(attempts).To(Equal(cfg.MaxAttempts))
	})

	It("honors a pool's ceiling, releasing the token after each attempt", func() {
		cfg := config.Default()
		pool := retry.NewPoolManager(cfg).Get(retry.PoolAPI)
		_, err := retry.ExecuteWithRetry(context.Background(), cfg, nil, pool, 0,
			func(ctx context.Context) (int, error) { return 1, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.InFlight()).To(Equal(int64(0)))
	})

	It("returns ctx.Err() once the context is already done", func() {
		cfg := config.Default()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := retry.ExecuteWithRetry(ctx, cfg, nil, nil, 0,
			func(ctx context.Context) (int, error) { return 0, ctx.Err() })
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Pool", func() {
	It("starts every PoolType at its connection.py-derived baseline", func() {
		cfg := config.Default()
		cfg.MaxConcurrent = 7
		m := retry.NewPoolManager(cfg)
		Expect(m.Get(retry.PoolDownload).Ceiling()).To(Equal(5))
		Expect(m.Get(retry.PoolIO).Ceiling()).To(Equal(10))
		Expect(m.Get(retry.PoolProcessing).Ceiling()).To(Equal(4))
		Expect(m.Get(retry.PoolMediaTranscode).Ceiling()).To(Equal(2))
		Expect(m.Get(retry.PoolAPI).Ceiling()).To(Equal(7))
	})

	It("returns the same pool on repeated Get calls for the same type", func() {
		m := retry.NewPoolManager(config.Default())
		Expect(m.Get(retry.PoolIO)).To(BeIdenticalTo(m.Get(retry.PoolIO)))
	})

	It("tracks InFlight/Waiting across Acquire/Release", func() {
		cfg := config.Default()
		p := retry.NewPoolManager(cfg).Get(retry.PoolMediaTranscode) // baseline 2
		Expect(p.Acquire(context.Background())).To(Succeed())
		Expect(p.Acquire(context.Background())).To(Succeed())
		Expect(p.InFlight()).To(Equal(int64(2)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := p.Acquire(ctx)
		Expect(err).To(HaveOccurred()) // pool exhausted, blocks until ctx deadline

		p.Release()
		Expect(p.InFlight()).To(Equal(int64(1)))
	})

	It("grows the ceiling under RescaleAll when AutoScale reports sustained pressure", func() {
		cfg := config.Default()
		cfg.AutoScale = true
		cfg.ScaleThreshold = 0.5
		m := retry.NewPoolManager(cfg)
		p := m.Get(retry.PoolMediaTranscode) // baseline 2

		// saturate the pool and leave enough goroutines waiting to push
		// queuePressure (waiting/ceiling) past the scaler's 2.0 threshold
		Expect(p.Acquire(context.Background())).To(Succeed())
		Expect(p.Acquire(context.Background())).To(Succeed())
		for i := 0; i < 5; i++ {
			go func() { _ = p.Acquire(context.Background()) }()
		}
		Eventually(func() int64 { return p.Waiting() }).Should(Equal(int64(5)))

		m.RescaleAll()
		Expect(p.Ceiling()).To(BeNumerically(">", 2))
	})
})

var _ = Describe("AutoScaler", func() {
	It("clamps the start value into [2,20]", func() {
		Expect(retry.NewAutoScaler(1).Current()).To(Equal(2))
		Expect(retry.NewAutoScaler(99).Current()).To(Equal(20))
	})

	It("scales up under sustained high utilization and queue pressure", func() {
		cfg := config.Default()
		cfg.AutoScale = true
		cfg.ScaleThreshold = 0.8
		a := retry.NewAutoScaler(4)
		got := a.Evaluate(cfg, 0.95, 2.5)
		Expect(got).To(Equal(5))
	})

	It("does not scale up when queue pressure is high but recent task time has regressed", func() {
		cfg := config.Default()
		cfg.AutoScale = true
		cfg.ScaleThreshold = 0.8
		a := retry.NewAutoScaler(4)
		got := a.EvaluateWithTaskTimeRatio(cfg, 0.95, 2.5, 1.5)
		Expect(got).To(Equal(4))
	})

	It("scales down under sustained low utilization and queue pressure", func() {
		cfg := config.Default()
		cfg.AutoScale = true
		a := retry.NewAutoScaler(10)
		got := a.Evaluate(cfg, 0.1, 0.1)
		Expect(got).To(Equal(9))
	})

	It("does nothing when AutoScale is disabled", func() {
		cfg := config.Default()
		cfg.AutoScale = false
		a := retry.NewAutoScaler(4)
		Expect(a.Evaluate(cfg, 1, 1)).To(Equal(4))
	})
})
