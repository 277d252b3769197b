// Package fetcher implements C5, the ChunkFetcher: the backward paging walk
// over one chunk, rate-limit-aware retrying, the adaptive split that
// recovers from a chunk turning out unexpectedly dense, and the slow-chunk
// learning feedback into C1's HotZonesRegistry.
package fetcher

import (
	"context"
	"sort"
	"time"

	"github.com/ais-export/shardhist/internal/chunk"
	"github.com/ais-export/shardhist/internal/config"
	"github.com/ais-export/shardhist/internal/hotzone"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/internal/retry"
	"github.com/ais-export/shardhist/internal/xerr"
)

const pageLimit = 100

// Fetcher is C5. One Fetcher is shared (read-only after construction) by
// every worker in the pool.
type Fetcher struct {
	Cfg      *config.Config
	HotZones *hotzone.Registry
	Stats    *retry.Registry
	DC       string // datacenter tag attached to slow-chunk records

	// Pools gates real attempts through C8's per-logical-class task pools.
	// Nil is a valid zero value: Fetch runs ungated, which is what every
	// existing test and the small-range bypass path do.
	Pools *retry.PoolManager
}

// New constructs a Fetcher bound to a shard's hot-zone registry, retry
// stats, and task pools, all shared across every worker and every chunk in
// the shard. pools may be nil to run ungated.
func New(cfg *config.Config, hz *hotzone.Registry, stats *retry.Registry, dc string, pools *retry.PoolManager) *Fetcher {
	return &Fetcher{Cfg: cfg, HotZones: hz, Stats: stats, DC: dc, Pools: pools}
}

// Fetch matches worker.FetchFunc's signature by structure, not by import —
// internal/worker and internal/fetcher deliberately don't reference each
// other's packages; the shard coordinator is what wires one to the other.
func (f *Fetcher) Fetch(ctx context.Context, conn message.Connection, peer message.Peer, task chunk.Task, workerID int) ([]message.Message, error) {
	return f.fetchRange(ctx, conn, peer, task.Lo, task.Hi, workerID, 0)
}

// fetchRange pages [lo,hi) backward to completion, then applies the
// adaptive-split rule: if the whole range took longer than
// SlowChunkThreshold and there's still split budget left, the buffered
// result is discarded and the range is split 4 ways and re-fetched
// recursively instead of being accepted as-is.
func (f *Fetcher) fetchRange(ctx context.Context, conn message.Connection, peer message.Peer, lo, hi int64, workerID, depth int) ([]message.Message, error) {
	if depth == 0 {
		if err := f.checkDiskSpace(); err != nil {
			return nil, err
		}
		if f.Pools != nil {
			pool := f.Pools.Get(retry.PoolDownload)
			if err := pool.Acquire(ctx); err != nil {
				return nil, err
			}
			defer pool.Release()
		}
	}

	start := time.Now()
	msgs, err := f.pageRange(ctx, conn, peer, lo, hi, workerID)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	density := float64(len(msgs)) / float64(maxInt64(hi-lo, 1)) * 1000

	if elapsed > f.Cfg.SlowChunkThreshold {
		f.recordSlow(lo, hi, elapsed, len(msgs), density, workerID)

		if depth < f.Cfg.SlowChunkMaxRetries && hi-lo >= 4 {
			nlog.Warningf("fetcher: chunk [%d,%d) took %s, splitting 4-way at depth %d", lo, hi, elapsed, depth)
			return f.fetchSplit(ctx, conn, peer, lo, hi, workerID, depth)
		}
	} else if elapsed > f.Cfg.WarnThreshold {
		nlog.Warningf("fetcher: chunk [%d,%d) took %s (above warn threshold)", lo, hi, elapsed)
		f.recordSlow(lo, hi, elapsed, len(msgs), density, workerID)
	}

	return msgs, nil
}

// fetchSplit discards the just-fetched buffer for [lo,hi) and re-fetches it
// as 4 contiguous sub-ranges, one recursive fetchRange call each, since a
// slow chunk is often slow because it's denser than the planner assumed and
// a narrower range pages more cheaply.
func (f *Fetcher) fetchSplit(ctx context.Context, conn message.Connection, peer message.Peer, lo, hi int64, workerID, depth int) ([]message.Message, error) {
	width := hi - lo
	step := width / 4
	if step == 0 {
		step = 1
	}
	bounds := []int64{lo, lo + step, lo + 2*step, lo + 3*step, hi}

	var out []message.Message
	for i := 0; i < 4; i++ {
		subLo, subHi := bounds[i], bounds[i+1]
		if i == 3 {
			subHi = hi
		}
		if subLo >= subHi {
			continue
		}
		sub, err := f.fetchRange(ctx, conn, peer, subLo, subHi, workerID, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// pageRange walks offsetID from hi-1 down to lo in pages of pageLimit,
// collecting every message with id in [lo,hi). Each
// page is fetched through retry.ExecuteWithRetry, which binds the attempt to
// a CalculateTimeout-derived deadline, honors throttle detection, and
// retries rate-limit/slow-mode waits without consuming the page's attempt
// budget.
func (f *Fetcher) pageRange(ctx context.Context, conn message.Connection, peer message.Peer, lo, hi int64, workerID int) ([]message.Message, error) {
	stats := f.Stats.Get(f.DC)
	var out []message.Message
	// GetHistory returns ids in (minID, offsetID], so the half-open chunk
	// [lo,hi) is requested as offsetID=hi-1, minID=lo-1.
	offset := hi - 1
	var hash int64

	var apiPool *retry.Pool
	if f.Pools != nil {
		apiPool = f.Pools.Get(retry.PoolAPI)
	}

	for offset >= lo {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		reqOffset, reqMin, reqHash := offset, lo-1, hash
		pageStart := time.Now()
		page, err := retry.ExecuteWithRetry(ctx, f.Cfg, stats, apiPool, 0, func(actx context.Context) (message.Page, error) {
			return conn.GetHistory(actx, peer, reqOffset, reqMin, pageLimit, reqHash)
		})
		if err != nil {
			nlog.Warningf("fetcher: worker %d chunk [%d,%d) abandoned at offset %d: %v", workerID, lo, hi, offset, err)
			return nil, xerr.Wrap(err, "fetcher: retry budget exhausted")
		}

		kbps := pageSpeedKbps(page, time.Since(pageStart))
		stats.RecordSuccess(kbps)
		hash = page.Hash

		if len(page.Messages) == 0 {
			break
		}
		out = append(out, page.Messages...)
		offset = minID(page.Messages) - 1
		if len(page.Messages) < pageLimit {
			// short page: remote has nothing earlier than offset left to
			// give us in this range, no point issuing one more request
			// just to confirm it.
			break
		}
	}

	// Attach the connection each message was actually fetched over, so a
	// downstream consumer (e.g. media download) can reuse it instead of
	// opening a new one. Dropped when a message is spilled to disk for the
	// sharded path — worker.Pool's caller re-attaches it from the owning
	// worker's connection once the message comes back out of the merger.
	for i := range out {
		out[i].Conn = conn
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// recordSlow records and learns from one slow-chunk observation, then
// best-effort persists the hot-zones DB immediately: a crash between this
// and the next scheduled save would otherwise lose every zone learned since
// the last one.
func (f *Fetcher) recordSlow(lo, hi int64, elapsed time.Duration, count int, density float64, workerID int) {
	rec := hotzone.SlowChunkRecord{
		IDRange:      [2]int64{lo, hi},
		DurationSec:  elapsed.Seconds(),
		MessageCount: count,
		Density:      density,
		Datacenter:   f.DC,
		Timestamp:    hotzone.Now(),
		WorkerID:     workerID,
	}
	f.HotZones.RecordSlowChunk(rec)
	f.HotZones.LearnFrom(rec)

	if f.Cfg.EnableHotZones && f.Cfg.ExportRoot != "" {
		if err := f.HotZones.Save(f.Cfg.ExportRoot); err != nil {
			nlog.Warningf("fetcher: persist hot-zones after slow chunk: %v", err)
		}
	}
}

// checkDiskSpace refuses to start a new chunk once free space under
// ExportRoot drops below MinFreeDiskMB, so a worker doesn't spill a batch
// into a disk that's about to fill up mid-write.
func (f *Fetcher) checkDiskSpace() error {
	if f.Cfg.ExportRoot == "" || f.Cfg.MinFreeDiskMB <= 0 {
		return nil
	}
	free, err := freeBytes(f.Cfg.ExportRoot)
	if err != nil {
		// best-effort: a stat failure shouldn't block the export
		return nil
	}
	if free < uint64(f.Cfg.MinFreeDiskMB)*1024*1024 {
		return xerr.New("fetcher: free disk space below configured minimum")
	}
	return nil
}

func minID(msgs []message.Message) int64 {
	m := msgs[0].ID
	for _, msg := range msgs[1:] {
		if msg.ID < m {
			m = msg.ID
		}
	}
	return m
}

func pageSpeedKbps(page message.Page, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	// approximate "bytes" as message count * a nominal 1KB/message, since the
	// actual payload size is opaque to this package — good enough as a
	// relative throttle signal, which is all IsThrottled needs.
	return float64(len(page.Messages)) / elapsed.Seconds()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
