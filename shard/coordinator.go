// Package shard implements C9, the ShardCoordinator: the single entry point
// other Go programs use to export one entity's full message history. It
// resolves the entity, decides between a single-connection paged fetch and
// the full sharded pipeline, and wires together every other component
// (C1–C8) for the sharded path.
package shard

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/teris-io/shortid"

	"github.com/ais-export/shardhist/internal/chunk"
	"github.com/ais-export/shardhist/internal/config"
	"github.com/ais-export/shardhist/internal/density"
	"github.com/ais-export/shardhist/internal/fetcher"
	"github.com/ais-export/shardhist/internal/hotzone"
	"github.com/ais-export/shardhist/internal/merge"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/metrics"
	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/internal/pipeline"
	"github.com/ais-export/shardhist/internal/retry"
	"github.com/ais-export/shardhist/internal/worker"
	"github.com/ais-export/shardhist/internal/xerr"
)

// smallLimitBypassThreshold is the open-question decision (see DESIGN.md):
// an export whose full range is at most this many IDs wide never pays for the
// sharded machinery — a single paged connection walks it directly.
const smallLimitBypassThreshold = 5_000

// housekeeperInterval is how often the background sweep/rescale task runs,
// mirroring aistore's hk housekeeper cadence.
const housekeeperInterval = 10 * time.Second

// staleStatsAge is how long an operation's retry stats may go untouched
// before Registry.Sweep reclaims it.
const staleStatsAge = time.Hour

// ExportOptions carries the caller-supplied fetch bounds for one export:
// an optional recency limit and an optional resume point.
type ExportOptions struct {
	// Limit, if > 0, restricts the export to (at most) the most recent
	// Limit messages: effective_min = max(1, max_id - Limit).
	Limit int64
	// MinID, if > 0, never fetches below this id — a resumable export
	// continuing from a prior run's high-water mark.
	MinID int64
}

// effectiveMinID derives the fetch floor from the resolved entity's oldest
// known id and the caller's ExportOptions: a caller-supplied Limit narrows
// the floor to the last N messages, a caller-supplied MinID raises it
// further for a resumed export, and neither can move the floor below the
// entity's actual oldest message.
func effectiveMinID(info message.EntityInfo, opts ExportOptions) int64 {
	lo := info.OldestID
	if opts.Limit > 0 {
		capped := info.MaxID - opts.Limit
		if capped < 1 {
			capped = 1
		}
		if capped > lo {
			lo = capped
		}
	}
	if opts.MinID > lo {
		lo = opts.MinID
	}
	return lo
}

// Result is what Coordinator.Export returns: the raw counters from the
// pipeline, whatever slow-chunk advisories the hot-zones registry
// accumulated during the run, and — for the sharded path — any per-worker
// fatal errors. WorkerErr is informational: the messages those workers
// would have fetched are simply missing from the merged output, but a
// worker dying never aborts the export outright, so WorkerErr being non-nil
// does not mean Err is.
type Result struct {
	pipeline.Stats
	Recommendations []string
	WorkerErr       error
}

// Coordinator is C9.
type Coordinator struct {
	Source  message.Source
	Cfg     *config.Config
	Process pipeline.ProcessFunc
	Write   pipeline.WriteFunc

	hotZones *hotzone.Registry
	stats    *retry.Registry
	pools    *retry.PoolManager
}

// Export resolves entity and runs either the single-connection bypass or
// the full sharded pipeline, depending on the resolved range's width.
// opts.Limit/opts.MinID bound the fetch.
func (c *Coordinator) Export(ctx context.Context, entity string, opts ExportOptions) (Result, error) {
	info, err := c.Source.Resolve(ctx, entity)
	if err != nil {
		return Result{}, xerr.NewErrEntityUnresolved(entity, err)
	}

	c.hotZones, err = hotzone.New(c.Cfg.ShardChunkSize)
	if err != nil {
		return Result{}, xerr.Wrap(err, "shard: init hot-zones registry")
	}
	defer c.hotZones.Close()
	if c.Cfg.EnableHotZones {
		if err := c.hotZones.Load(c.Cfg.ExportRoot); err != nil {
			nlog.Warningf("shard: hot-zones load: %v", err)
		}
		defer func() {
			if err := c.hotZones.Save(c.Cfg.ExportRoot); err != nil {
				nlog.Warningf("shard: hot-zones save: %v", err)
			}
		}()
	}
	c.stats = retry.NewRegistry()
	c.pools = retry.NewPoolManager(c.Cfg)

	hkCtx, cancelHK := context.WithCancel(ctx)
	defer cancelHK()
	go c.runHousekeeper(hkCtx)

	lo := effectiveMinID(info, opts)
	hi := info.MaxID
	width := hi - lo

	if !c.Cfg.EnableShardFetch || width <= smallLimitBypassThreshold {
		nlog.Infof("shard: %s range width %d <= bypass threshold, using single-connection fetch", entity, width)
		return c.exportSmall(ctx, info, lo, hi)
	}
	return c.exportSharded(ctx, entity, info, lo, hi)
}

// runHousekeeper periodically sweeps stale retry-stats trackers and
// rescales every live task pool for the lifetime of one export.
func (c *Coordinator) runHousekeeper(ctx context.Context) {
	ticker := time.NewTicker(housekeeperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.stats.Sweep(time.Now().Add(-staleStatsAge)); n > 0 {
				nlog.Infof("shard: swept %d stale retry-stat trackers", n)
			}
			c.pools.RescaleAll()
		}
	}
}

func (c *Coordinator) exportSmall(ctx context.Context, info message.EntityInfo, lo, hi int64) (Result, error) {
	conn := c.Source.Master()
	f := fetcher.New(c.Cfg, c.hotZones, c.stats, info.Datacenter, c.pools)
	msgs, err := f.Fetch(ctx, conn, info.Peer, chunk.Task{Lo: lo, Hi: hi}, 0)
	if err != nil {
		return Result{}, err
	}

	feedCh := make(chan message.Message, len(msgs))
	for _, m := range msgs {
		feedCh <- m
	}
	close(feedCh)

	p := &pipeline.Pipeline{Cfg: c.Cfg, Process: c.Process, Write: c.Write, Pools: c.pools}
	stats, err := p.Run(ctx, feedCh)
	if err != nil {
		return Result{}, err
	}
	metrics.ObservePipeline(stats)
	return Result{Stats: stats, Recommendations: c.hotZones.Recommendations()}, nil
}

func (c *Coordinator) exportSharded(ctx context.Context, entity string, info message.EntityInfo, lo, hi int64) (Result, error) {
	token, err := c.Source.OpenBulkExportToken(ctx, c.Cfg.MaxFileSizeMB)
	if err != nil {
		return Result{}, xerr.Wrap(err, "shard: open bulk export token")
	}
	defer func() {
		if err := c.Source.CloseBulkExportToken(ctx, token); err != nil {
			nlog.Warningf("shard: close bulk export token: %v", err)
		}
	}()

	spillDir, err := newSpillDir(c.Cfg.ExportRoot)
	if err != nil {
		return Result{}, xerr.Wrap(err, "shard: create spill dir")
	}
	defer cleanupSpillDir(spillDir)

	numWorkers := c.Cfg.ShardCount
	conns := make([]message.Connection, numWorkers)
	master := c.Source.Master()
	for i := 0; i < numWorkers; i++ {
		conn, err := master.Clone(ctx)
		if err != nil {
			return Result{}, xerr.Wrap(err, "shard: clone worker connection")
		}
		conns[i] = conn.WithBulkExportToken(token)
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	densityCfg := density.Config{
		Enabled:      c.Cfg.EnableDensityEstimation,
		SamplePoints: c.Cfg.DensitySamplePoints,
		SampleRange:  int64(c.Cfg.DensitySampleRange),
	}
	msgDensity := density.Estimate(ctx, master, info.Peer, lo, hi, densityCfg)
	thresholds := density.Thresholds{
		VeryHigh: c.Cfg.DensityVeryHighThresh, High: c.Cfg.DensityHighThresh, Medium: c.Cfg.DensityMediumThresh,
		ChunkVeryHigh: c.Cfg.ChunkSizeVeryHighDensity, ChunkHigh: c.Cfg.ChunkSizeHighDensity,
		ChunkMedium: c.Cfg.ChunkSizeMediumDensity, ChunkLow: c.Cfg.ChunkSizeLowDensity,
	}

	tasks := chunk.Plan(lo, hi, info.Datacenter, msgDensity, c.hotZones, c.Cfg.ShardChunkSize, thresholds)
	queue := chunk.NewQueue(tasks)
	nlog.Infof("shard: %s planned %d chunks across %d workers", entity, len(tasks), numWorkers)

	f := fetcher.New(c.Cfg, c.hotZones, c.stats, info.Datacenter, c.pools)
	pool := &worker.Pool{Connections: conns, Peer: info.Peer, SpillDir: spillDir, Fetch: f.Fetch, Pools: c.pools}

	var wstats worker.Stats
	var werr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		wstats, werr = pool.Run(ctx, queue)
	}()

	m := &merge.Merger{
		Dir:        spillDir,
		NumWorkers: numWorkers,
		Conns:      conns,
		Done: func(int) bool {
			select {
			case <-done:
				return true
			default:
				return false
			}
		},
	}

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	feedCh := make(chan message.Message, c.Cfg.FetchQueueSize)
	mergeErrCh := make(chan error, 1)
	go func() {
		defer close(feedCh)
		mergeErrCh <- m.Each(feedCtx, func(msg message.Message) error {
			select {
			case feedCh <- msg:
				return nil
			case <-feedCtx.Done():
				return feedCtx.Err()
			}
		})
	}()

	p := &pipeline.Pipeline{Cfg: c.Cfg, Process: c.Process, Write: c.Write, Pools: c.pools}
	pstats, perr := p.Run(ctx, feedCh)
	// p.Run may return early (Write error, caller-cancelled ctx) while the
	// merge-feeding goroutine above is still blocked trying to send into
	// feedCh with nobody left to drain it; cancelling feedCtx unblocks its
	// select so mergeErrCh below is guaranteed to receive.
	cancelFeed()

	<-done
	mergeErr := <-mergeErrCh

	// werr is the joined set of per-worker fatal errors (a dead connection,
	// a full disk on one worker's spill file): logged for visibility, never
	// treated as an export-wide failure. The chunks those workers abandoned
	// are already reflected in wstats.ChunksFailed; every other worker kept
	// draining the shared queue to completion.
	if werr != nil {
		nlog.Warningf("shard: %s: one or more workers hit a fatal error (others completed normally): %v", entity, werr)
	}
	if mergeErr != nil {
		return Result{}, xerr.Wrap(mergeErr, "shard: merge")
	}
	if perr != nil {
		return Result{}, perr
	}

	nlog.Infof("shard: %s done: %d chunks ok, %d abandoned, %d messages merged, spill checksum %x", entity, wstats.ChunksDone, wstats.ChunksFailed, wstats.Messages, wstats.Checksum())
	metrics.ObservePipeline(pstats)
	metrics.ObserveChunksAbandoned(wstats.ChunksFailed)
	metrics.ObserveHotZoneCount(len(c.hotZones.ZonesFor(lo, hi, info.Datacenter)))
	return Result{Stats: pstats, Recommendations: c.hotZones.Recommendations(), WorkerErr: werr}, nil
}

func newSpillDir(root string) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, ".shardhist-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// cleanupSpillDir counts the spill files left behind (godirwalk avoids the
// extra per-entry os.Lstat filepath.Walk does on top of the readdir result
// it already has) before removing the whole directory, so a caller's log
// reflects how many per-worker files actually accumulated on this run.
func cleanupSpillDir(dir string) {
	var files int
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(_ string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				files++
			}
			return nil
		},
	})
	if err == nil {
		nlog.Infof("shard: removing %d spill file(s) under %s", files, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		nlog.Warningf("shard: cleanup spill dir %s: %v", dir, err)
	}
}
