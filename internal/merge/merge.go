// Package merge implements C6, the OrderedMerger: walks each worker's spill
// file in worker-index order and replays its decoded batches. Per-worker
// chunk assignment is work-stealing (internal/chunk.Queue), so this is a
// concatenation across workers, not a cross-worker k-way sort — only
// completeness and the optional result-count limit matter here.
package merge

import (
	"context"
	"os"
	"time"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/spill"
	"github.com/ais-export/shardhist/internal/worker"
)

const defaultPollInterval = 50 * time.Millisecond

// DoneFunc reports whether the given worker index has finished writing its
// spill file (its Writer has been Flushed and the file closed). The merger
// polls a still-growing file until DoneFunc says otherwise.
type DoneFunc func(workerID int) bool

// Merger is C6.
type Merger struct {
	Dir          string
	NumWorkers   int
	Limit        int // 0 = unlimited
	Done         DoneFunc
	PollInterval time.Duration

	// Conns, if set, is indexed by worker id and re-attached to every
	// message read from that worker's spill file before it reaches fn — the
	// message regains the live connection it was originally fetched over, so
	// a downstream consumer (e.g. media download) can reuse it instead of
	// opening a new one. Nil leaves Message.Conn unset.
	Conns []message.Connection
}

// Each streams every message across all worker spill files, in worker-index
// order, to fn, stopping early once Limit results have been emitted (if
// Limit > 0), ctx is cancelled, or fn returns an error.
func (m *Merger) Each(ctx context.Context, fn func(message.Message) error) error {
	poll := m.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	var emitted int
	for id := 0; id < m.NumWorkers; id++ {
		if err := m.drainWorker(ctx, id, poll, &emitted, fn); err != nil {
			return err
		}
		if m.Limit > 0 && emitted >= m.Limit {
			return nil
		}
	}
	return nil
}

func (m *Merger) drainWorker(ctx context.Context, id int, poll time.Duration, emitted *int, fn func(message.Message) error) error {
	path := worker.SpillPath(m.Dir, id)

	for {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) && !m.workerDone(id) {
				if err := sleepOrDone(ctx, poll); err != nil {
					return err
				}
				continue
			}
			if os.IsNotExist(err) {
				return nil // worker finished without ever writing a batch
			}
			return err
		}
		break
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := spill.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, ok, err := r.NextBatch()
		if err != nil {
			return err
		}
		if !ok {
			if m.workerDone(id) {
				return nil
			}
			if err := sleepOrDone(ctx, poll); err != nil {
				return err
			}
			continue
		}

		for _, msg := range batch {
			if id < len(m.Conns) {
				msg.Conn = m.Conns[id]
			}
			if err := fn(msg); err != nil {
				return err
			}
			*emitted++
			if m.Limit > 0 && *emitted >= m.Limit {
				return nil
			}
		}
	}
}

func (m *Merger) workerDone(id int) bool {
	if m.Done == nil {
		return true // no liveness signal supplied: caller guarantees workers already finished
	}
	return m.Done(id)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
