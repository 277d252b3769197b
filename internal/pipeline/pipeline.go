// Package pipeline implements C7, the AsyncPipeline: a bounded fetch ->
// process -> write pipeline where the process stage may run multiple
// workers out of order, and the write stage replays results back into
// sequence order via a small reorder buffer before handing them to the
// caller's WriteFunc — mirrors the disk-queue stage aistore's dsort package
// pipelines records through (dsort/dsort.go), generalized to three
// independently-sized stages instead of dsort's fixed shuffle/extract split.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ais-export/shardhist/internal/config"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/retry"
)

// ProcessFunc transforms one fetched message (e.g. media resolution,
// enrichment). Returning an error drops that message from the write stage
// but does not abort the pipeline.
type ProcessFunc func(ctx context.Context, msg message.Message) (message.Message, error)

// WriteFunc commits one processed message to the archive, in original fetch
// order. A non-nil error aborts the whole pipeline.
type WriteFunc func(ctx context.Context, msg message.Message) error

// Stats is the pipeline's observability surface: counts and per-stage
// timing a caller can log or expose as metrics once a run completes.
type Stats struct {
	Processed int64
	Errors    int64
	Duration  time.Duration

	FetchTime   time.Duration
	ProcessTime time.Duration
	WriteTime   time.Duration

	MaxFetchQueue     int
	MaxProcessQueue   int
	MaxWriterBuffered int

	AvgProcessTimePerMessage time.Duration
	AvgWriteTimePerMessage   time.Duration
}

// Pipeline is C7.
type Pipeline struct {
	Cfg     *config.Config
	Process ProcessFunc
	Write   WriteFunc

	// Pools gates the process stage through C8's PROCESSING task pool.
	// Nil runs ungated, Cfg.ProcessWorkers alone bounding concurrency as
	// before.
	Pools *retry.PoolManager
}

type seqItem struct {
	seq int64
	msg message.Message
}

type seqResult struct {
	seq int64
	msg message.Message
	err error
}

// Run drains in (typically internal/merge.Merger.Each feeding a channel),
// assigning each message a sequence number, fanning it through Process on
// Cfg.ProcessWorkers goroutines, and replaying results back into order for
// Write. It returns once in is closed and every buffered item has been
// written, ctx is cancelled, or Write returns a fatal error.
func (p *Pipeline) Run(ctx context.Context, in <-chan message.Message) (Stats, error) {
	runStart := time.Now()
	var mu sync.Mutex
	stats := Stats{}

	fetchCh := make(chan seqItem, p.Cfg.FetchQueueSize)
	processCh := make(chan seqResult, p.Cfg.ProcessQueueSize)

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wgFetch sync.WaitGroup
	wgFetch.Add(1)
	go func() {
		defer wgFetch.Done()
		defer close(fetchCh)
		var seq int64
		for {
			t0 := time.Now()
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				mu.Lock()
				stats.FetchTime += time.Since(t0)
				mu.Unlock()

				item := seqItem{seq: seq, msg: msg}
				seq++
				select {
				case fetchCh <- item:
					mu.Lock()
					if n := len(fetchCh); n > stats.MaxFetchQueue {
						stats.MaxFetchQueue = n
					}
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var wgProcess sync.WaitGroup
	workers := p.Cfg.ProcessWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wgProcess.Add(1)
		go func() {
			defer wgProcess.Done()
			for item := range fetchCh {
				select {
				case <-ctx.Done():
					return
				default:
				}
				var procPool *retry.Pool
				if p.Pools != nil {
					procPool = p.Pools.Get(retry.PoolProcessing)
					if aerr := procPool.Acquire(ctx); aerr != nil {
						return
					}
				}
				t0 := time.Now()
				out, err := p.Process(ctx, item.msg)
				dur := time.Since(t0)
				if procPool != nil {
					procPool.Release()
				}

				mu.Lock()
				stats.ProcessTime += dur
				mu.Unlock()

				select {
				case processCh <- seqResult{seq: item.seq, msg: out, err: err}:
					mu.Lock()
					if n := len(processCh); n > stats.MaxProcessQueue {
						stats.MaxProcessQueue = n
					}
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wgProcess.Wait()
		close(processCh)
	}()

	go func() {
		err := p.writeLoop(ctx, processCh, &mu, &stats)
		if err != nil {
			cancel()
		}
		errCh <- err
	}()

	wgFetch.Wait()
	firstErr := <-errCh

	stats.Duration = time.Since(runStart)
	if total := stats.Processed + stats.Errors; total > 0 {
		stats.AvgProcessTimePerMessage = stats.ProcessTime / time.Duration(total)
	}
	if stats.Processed > 0 {
		stats.AvgWriteTimePerMessage = stats.WriteTime / time.Duration(stats.Processed)
	}

	return stats, firstErr
}

// writeLoop is the reorder buffer: it holds results until the next expected
// sequence number arrives, then drains every contiguous entry it can,
// writing non-error results in order and counting (but skipping) errored
// ones so a single failed Process call never stalls the sequence.
func (p *Pipeline) writeLoop(ctx context.Context, processCh <-chan seqResult, mu *sync.Mutex, stats *Stats) error {
	buf := make(map[int64]seqResult)
	var next int64

	flush := func() error {
		for {
			r, ok := buf[next]
			if !ok {
				return nil
			}
			delete(buf, next)
			next++

			if r.err != nil {
				mu.Lock()
				stats.Errors++
				mu.Unlock()
				continue
			}
			t0 := time.Now()
			err := p.Write(ctx, r.msg)
			mu.Lock()
			stats.WriteTime += time.Since(t0)
			mu.Unlock()
			if err != nil {
				return err
			}
			mu.Lock()
			stats.Processed++
			mu.Unlock()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-processCh:
			if !ok {
				return flush()
			}
			buf[r.seq] = r
			mu.Lock()
			if n := len(buf); n > stats.MaxWriterBuffered {
				stats.MaxWriterBuffered = n
			}
			mu.Unlock()
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
