package retry

import (
	"sync"
	"time"

	"github.com/ais-export/shardhist/internal/config"
)

const (
	minWorkers     = 2
	maxWorkers     = 20
	scaleCooldown  = 30 * time.Second
)

// AutoScaler decides the worker-pool ceiling from queue pressure and
// utilization, rate-limited by a cooldown so it doesn't thrash on a single
// noisy sample.
type AutoScaler struct {
	mu       sync.Mutex
	current  int
	lastMove time.Time
}

// NewAutoScaler starts at start workers, clamped to [2,20].
func NewAutoScaler(start int) *AutoScaler {
	if start < minWorkers {
		start = minWorkers
	}
	if start > maxWorkers {
		start = maxWorkers
	}
	return &AutoScaler{current: start}
}

func (a *AutoScaler) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// scaleUpQueuePressure and scaleDown{Utilization,QueuePressure} are the
// auto-scaler's fixed thresholds, independent of cfg.ScaleThreshold (which
// only gates the scale-up utilization check, so a caller tuning "how busy is
// busy" doesn't also have to re-derive the scale-down band).
const (
	scaleUpQueuePressure      = 2.0
	scaleDownUtilization      = 0.3
	scaleDownQueuePressure    = 0.5
)

// Evaluate inspects utilization (busy/total workers, 0..1) and queuePressure
// (queued/capacity — can exceed 1 when the queue is backed up beyond its
// nominal capacity), returning the new worker count. It applies no task-time
// guard (the ratio is fixed at 1.0); EvaluateWithTaskTimeRatio adds one. A move is
// only applied once per cooldown window; repeated calls inside the window
// return the unchanged current value.
func (a *AutoScaler) Evaluate(cfg *config.Config, utilization, queuePressure float64) int {
	return a.evaluate(cfg, utilization, queuePressure, 1.0)
}

// EvaluateWithTaskTimeRatio is Evaluate plus a "recent task time is not
// >1.2x historical" guard on the scale-up path: taskTimeRatio is
// recent/historical mean task duration.
func (a *AutoScaler) EvaluateWithTaskTimeRatio(cfg *config.Config, utilization, queuePressure, taskTimeRatio float64) int {
	return a.evaluate(cfg, utilization, queuePressure, taskTimeRatio)
}

func (a *AutoScaler) evaluate(cfg *config.Config, utilization, queuePressure, taskTimeRatio float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !cfg.AutoScale {
		return a.current
	}
	if time.Since(a.lastMove) < scaleCooldown {
		return a.current
	}

	switch {
	case utilization > cfg.ScaleThreshold && queuePressure > scaleUpQueuePressure && taskTimeRatio <= 1.2 && a.current < maxWorkers:
		a.current++
		a.lastMove = time.Now()
	case utilization < scaleDownUtilization && queuePressure < scaleDownQueuePressure && a.current > minWorkers:
		a.current--
		a.lastMove = time.Now()
	}
	return a.current
}
