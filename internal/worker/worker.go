// Package worker implements C4, the WorkerPool: a fixed set of long-lived
// connections, each draining chunk.Queue and spilling its fetched batches to
// its own file. Pairs with internal/fetcher (C5), which supplies the
// FetchFunc each worker calls per chunk; the two stay decoupled so neither
// package imports the other.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ais-export/shardhist/internal/chunk"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/internal/retry"
	"github.com/ais-export/shardhist/internal/spill"
	"github.com/ais-export/shardhist/internal/xerr"
)

// FetchFunc executes one chunk end-to-end — paging, rate-limit waits,
// adaptive splitting, and slow-chunk learning all happen inside it. A
// non-nil error means the chunk's retry budget was exhausted; the worker
// logs it and moves on rather than aborting the whole pool, so one unlucky
// range doesn't sink an otherwise-healthy export.
type FetchFunc func(ctx context.Context, conn message.Connection, peer message.Peer, task chunk.Task, workerID int) ([]message.Message, error)

// Stats aggregates counters across every worker in the pool.
type Stats struct {
	ChunksDone   int64
	ChunksFailed int64
	Messages     int64
	// IOTimeMs is the cumulative wall-clock time spent inside spill-file
	// writes across every worker.
	IOTimeMs int64

	// FrameSums holds each worker's cumulative spill-frame checksum, indexed
	// by worker id. Only the owning worker goroutine ever writes its own
	// slot, so no synchronization is needed between workers; callers should
	// only read it once Pool.Run has returned.
	FrameSums []uint64
}

// Checksum XORs every worker's frame checksum into one aggregate fingerprint
// — a cheap signal a caller can log or compare run-to-run to notice silent
// spill-file corruption without re-reading every frame.
func (s Stats) Checksum() uint64 {
	var x uint64
	for _, v := range s.FrameSums {
		x ^= v
	}
	return x
}

// Pool is C4: one Connection and one spill file per worker. Connections are
// expected to already be cloned from the shared session and wrapped with the
// bulk-export token — this package only drains and fetches.
type Pool struct {
	Connections []message.Connection
	Peer        message.Peer
	SpillDir    string
	Fetch       FetchFunc

	// Pools gates spill writes through C8's IO task pool. Nil runs ungated.
	Pools *retry.PoolManager
}

// SpillPath is the deterministic per-worker spill file name the
// OrderedMerger (C6) later walks in the same order.
func SpillPath(dir string, workerID int) string {
	return filepath.Join(dir, fmt.Sprintf("worker-%03d.spill", workerID))
}

// Run drains queue with one goroutine per connection until it's empty or ctx
// is cancelled. It returns once every worker has exited. A worker that hits
// a fatal error (its spill file can't be created or written) logs it and
// exits on its own — it never cancels its siblings, which keep draining the
// shared queue; Run's returned error is the joined set of those per-worker
// fatal errors (nil if none occurred), for the caller to log or record, not
// to treat as an overall failure.
func (p *Pool) Run(ctx context.Context, queue *chunk.Queue) (Stats, error) {
	stats := Stats{FrameSums: make([]uint64, len(p.Connections))}
	var errs xerr.Errs
	// Deliberately a bare errgroup.Group rather than errgroup.WithContext:
	// the latter derives a child context that's cancelled on the first
	// worker error, which would abort every sibling mid-chunk. Each worker's
	// fatal error is caught and recorded into errs instead, so a dead
	// connection or a full disk only takes its own worker out of the run.
	var g errgroup.Group
	for i, conn := range p.Connections {
		id, c := i, conn
		g.Go(func() error {
			if err := p.runWorker(ctx, id, c, queue, &stats); err != nil {
				nlog.Warningf("worker %d: exited early, remaining workers keep draining the queue: %v", id, err)
				errs.Add(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, errs.JoinErr()
}

func (p *Pool) runWorker(ctx context.Context, id int, conn message.Connection, queue *chunk.Queue, stats *Stats) error {
	f, err := os.Create(SpillPath(p.SpillDir, id))
	if err != nil {
		return xerr.Wrap(err, fmt.Sprintf("worker %d: create spill file", id))
	}
	defer f.Close()
	sw := spill.NewWriter(f)

	for {
		select {
		case <-ctx.Done():
			_ = sw.Flush()
			stats.FrameSums[id] = sw.Checksum()
			return ctx.Err()
		default:
		}

		task, ok := queue.Pop()
		if !ok {
			break
		}

		msgs, ferr := p.Fetch(ctx, conn, p.Peer, task, id)
		if ferr != nil {
			atomic.AddInt64(&stats.ChunksFailed, 1)
			nlog.Warningf("worker %d: chunk [%d,%d) abandoned after retry budget exhausted: %v", id, task.Lo, task.Hi, ferr)
			queue.Done()
			continue
		}

		if len(msgs) > 0 {
			var ioPool *retry.Pool
			if p.Pools != nil {
				ioPool = p.Pools.Get(retry.PoolIO)
				if err := ioPool.Acquire(ctx); err != nil {
					queue.Done()
					return xerr.Wrap(err, fmt.Sprintf("worker %d: io pool acquire", id))
				}
			}
			ioStart := time.Now()
			werr := sw.WriteBatch(msgs)
			if ioPool != nil {
				ioPool.Release()
			}
			atomic.AddInt64(&stats.IOTimeMs, time.Since(ioStart).Milliseconds())
			if werr != nil {
				queue.Done()
				return xerr.Wrap(werr, fmt.Sprintf("worker %d: spill write", id))
			}
		}
		atomic.AddInt64(&stats.ChunksDone, 1)
		atomic.AddInt64(&stats.Messages, int64(len(msgs)))
		queue.Done()
	}

	err = sw.Flush()
	stats.FrameSums[id] = sw.Checksum()
	return err
}
