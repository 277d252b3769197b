package retry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ais-export/shardhist/internal/config"
)

// PoolType is one of the logical task-pool classes a bounded operation is
// gated through (DOWNLOAD/IO/PROCESSING/MEDIA-TRANSCODE/API) — kept distinct
// from the others even where this module has no step of its own for a class,
// so a caller bolting one on (e.g. a transcode step) still gets its own
// concurrency budget instead of contending with unrelated work.
type PoolType int

const (
	PoolDownload PoolType = iota
	PoolIO
	PoolProcessing
	PoolMediaTranscode
	PoolAPI
)

func (t PoolType) String() string {
	switch t {
	case PoolDownload:
		return "download"
	case PoolIO:
		return "io"
	case PoolProcessing:
		return "processing"
	case PoolMediaTranscode:
		return "media-transcode"
	case PoolAPI:
		return "api"
	default:
		return "unknown"
	}
}

// baselineCeiling is connection.py's AdaptiveTaskPool per-class starting
// size (ConnectionManager.__init__), independent of any single global
// concurrency knob.
func baselineCeiling(typ PoolType, cfg *config.Config) int {
	switch typ {
	case PoolDownload:
		return 5
	case PoolIO:
		return 10
	case PoolProcessing:
		return 4
	case PoolMediaTranscode:
		return 2
	case PoolAPI:
		return cfg.MaxConcurrent
	default:
		return cfg.MaxConcurrent
	}
}

// Pool is a bounded, resizable task pool: a fixed-capacity token channel
// gates concurrent Acquire/Release pairs, and Rescale grows or shrinks the
// live ceiling via an embedded AutoScaler without ever blocking a caller
// that already holds a token.
type Pool struct {
	typ    PoolType
	tokens chan struct{}
	scaler *AutoScaler

	mu       sync.Mutex
	ceiling  int
	shrinkBy int

	waiting  int64
	inFlight int64
}

func newPool(typ PoolType, cfg *config.Config) *Pool {
	start := baselineCeiling(typ, cfg)
	p := &Pool{
		typ:     typ,
		tokens:  make(chan struct{}, maxWorkers),
		scaler:  NewAutoScaler(start),
		ceiling: start,
	}
	for i := 0; i < start; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Acquire blocks until a token is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	atomic.AddInt64(&p.waiting, 1)
	defer atomic.AddInt64(&p.waiting, -1)
	select {
	case <-p.tokens:
		atomic.AddInt64(&p.inFlight, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the pool, unless Rescale has asked for the
// ceiling to shrink, in which case this token is simply not replenished.
func (p *Pool) Release() {
	atomic.AddInt64(&p.inFlight, -1)
	p.mu.Lock()
	if p.shrinkBy > 0 {
		p.shrinkBy--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.tokens <- struct{}{}
}

// Ceiling returns the pool's current target size.
func (p *Pool) Ceiling() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ceiling
}

// InFlight returns the number of currently-held tokens.
func (p *Pool) InFlight() int64 { return atomic.LoadInt64(&p.inFlight) }

// Waiting returns the number of goroutines currently blocked in Acquire.
func (p *Pool) Waiting() int64 { return atomic.LoadInt64(&p.waiting) }

// Rescale re-evaluates this pool's ceiling from its own live
// utilization/queue-pressure sample and grows or shrinks the token ring to
// match, returning the new ceiling.
func (p *Pool) Rescale(cfg *config.Config) int {
	ceiling := p.Ceiling()
	if ceiling == 0 {
		return ceiling
	}
	utilization := float64(p.InFlight()) / float64(ceiling)
	queuePressure := float64(p.Waiting()) / float64(ceiling)

	next := p.scaler.Evaluate(cfg, utilization, queuePressure)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case next > p.ceiling:
		for i := 0; i < next-p.ceiling; i++ {
			p.tokens <- struct{}{}
		}
	case next < p.ceiling:
		p.shrinkBy += p.ceiling - next
	}
	p.ceiling = next
	return next
}

// PoolManager owns one Pool per PoolType, created lazily on first use.
// Mirrors ConnectionManager's fixed `pools: Dict[PoolType, AdaptiveTaskPool]`
// map, built lazily here since not every caller exercises every class.
type PoolManager struct {
	cfg *config.Config

	mu    sync.Mutex
	pools map[PoolType]*Pool
}

func NewPoolManager(cfg *config.Config) *PoolManager {
	return &PoolManager{cfg: cfg, pools: make(map[PoolType]*Pool)}
}

// Get returns typ's pool, creating it with its class baseline on first use.
func (m *PoolManager) Get(typ PoolType) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[typ]
	if !ok {
		p = newPool(typ, m.cfg)
		m.pools[typ] = p
	}
	return p
}

// RescaleAll re-evaluates every pool created so far. Intended to be called
// periodically from a background goroutine alongside Registry.Sweep, the
// Go equivalent of ConnectionManager's `_monitor_task`.
func (m *PoolManager) RescaleAll() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Rescale(m.cfg)
	}
}
