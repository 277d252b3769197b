// Package chunk implements C3, the ChunkPlanner: walks [lo,hi] and emits
// variable-sized ChunkTasks onto a shared queue, consulting the hot-zones
// registry first and falling back to density-based sizing.
package chunk

import (
	"github.com/ais-export/shardhist/internal/density"
	"github.com/ais-export/shardhist/internal/hotzone"
)

// Task is a half-open ID range assigned to a worker as a unit of fetch.
// Consumed exactly once by one worker.
type Task struct {
	Lo, Hi int64
}

// Plan walks [lo,max) and returns the ordered list of chunks, smallest-id
// first. The caller enqueues the entire plan up front, before any worker
// starts draining it.
func Plan(lo, max int64, dc string, msgDensity float64, reg *hotzone.Registry, defaultChunkSize int, th density.Thresholds) []Task {
	var tasks []Task
	cur := lo
	for cur < max {
		size := int64(sizeFor(cur, max, dc, msgDensity, reg, defaultChunkSize, th))
		if size <= 0 {
			size = int64(defaultChunkSize)
		}
		end := cur + size
		if end > max {
			end = max
		}
		tasks = append(tasks, Task{Lo: cur, Hi: end})
		cur = end
	}
	return tasks
}

// sizeFor asks the hot-zones registry first; if it falls back to the
// caller's default (meaning no zone matched), the density-based table takes
// over instead.
func sizeFor(lo, max int64, dc string, msgDensity float64, reg *hotzone.Registry, defaultChunkSize int, th density.Thresholds) int {
	// probe ahead with a representative window so the hot-zone intersection
	// check sees a meaningfully sized candidate range rather than a point
	hi := lo + int64(defaultChunkSize)
	if hi > max {
		hi = max
	}
	size := reg.OptimalChunkSize(lo, hi, dc)
	if size != defaultChunkSize {
		return size
	}
	return density.ChunkSizeForDensity(msgDensity, th)
}
