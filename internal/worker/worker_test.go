package worker_test

import (
	"context"
	"os"
	"testing"

	"github.com/ais-export/shardhist/internal/chunk"
	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/spill"
	"github.com/ais-export/shardhist/internal/worker"
)

type nopConn struct{}

func (nopConn) Clone(context.Context) (message.Connection, error) { return nopConn{}, nil }
func (nopConn) WithBulkExportToken(string) message.Connection     { return nopConn{} }
func (nopConn) GetHistory(context.Context, message.Peer, int64, int64, int, int64) (message.Page, error) {
	return message.Page{}, nil
}
func (nopConn) Close() error { return nil }

func TestPoolDistributesAllTasks(t *testing.T) {
	dir := t.TempDir()

	tasks := []chunk.Task{{Lo: 0, Hi: 10}, {Lo: 10, Hi: 20}, {Lo: 20, Hi: 30}, {Lo: 30, Hi: 40}}
	queue := chunk.NewQueue(tasks)

	p := &worker.Pool{
		Connections: []message.Connection{nopConn{}, nopConn{}},
		Peer:        message.Peer{ID: 1},
		SpillDir:    dir,
		Fetch: func(_ context.Context, _ message.Connection, _ message.Peer, task chunk.Task, workerID int) ([]message.Message, error) {
			return []message.Message{{ID: task.Lo + 1, Raw: workerID}}, nil
		},
	}

	stats, err := p.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.ChunksDone != int64(len(tasks)) {
		t.Fatalf("want %d chunks done, got %d", len(tasks), stats.ChunksDone)
	}
	if stats.Messages != int64(len(tasks)) {
		t.Fatalf("want %d messages, got %d", len(tasks), stats.Messages)
	}

	var total int
	for i := range p.Connections {
		f, err := os.Open(worker.SpillPath(dir, i))
		if err != nil {
			t.Fatalf("open spill %d: %v", i, err)
		}
		r := spill.NewReader(f)
		for {
			batch, ok, err := r.NextBatch()
			if err != nil {
				t.Fatalf("read spill %d: %v", i, err)
			}
			if !ok {
				break
			}
			total += len(batch)
		}
		f.Close()
	}
	if total != len(tasks) {
		t.Fatalf("want %d spilled messages across workers, got %d", len(tasks), total)
	}
}

func TestPoolWorkerFatalErrorDoesNotStopSiblings(t *testing.T) {
	dir := t.TempDir()

	// Pre-occupy worker 1's spill path with a directory so its os.Create
	// fails immediately, before it ever pops a task — worker 0 alone has to
	// drain the whole queue.
	if err := os.Mkdir(worker.SpillPath(dir, 1), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tasks := []chunk.Task{{Lo: 0, Hi: 10}, {Lo: 10, Hi: 20}, {Lo: 20, Hi: 30}, {Lo: 30, Hi: 40}}
	queue := chunk.NewQueue(tasks)

	p := &worker.Pool{
		Connections: []message.Connection{nopConn{}, nopConn{}},
		Peer:        message.Peer{ID: 1},
		SpillDir:    dir,
		Fetch: func(_ context.Context, _ message.Connection, _ message.Peer, task chunk.Task, workerID int) ([]message.Message, error) {
			return []message.Message{{ID: task.Lo + 1}}, nil
		},
	}

	stats, err := p.Run(context.Background(), queue)
	if err == nil {
		t.Fatal("want a non-nil aggregate error reporting worker 1's fatal failure")
	}
	if stats.ChunksDone != int64(len(tasks)) {
		t.Fatalf("want worker 0 to finish every task despite worker 1 dying immediately, got %d done", stats.ChunksDone)
	}
}

func TestPoolKeepsGoingPastChunkFailure(t *testing.T) {
	dir := t.TempDir()
	tasks := []chunk.Task{{Lo: 0, Hi: 10}, {Lo: 10, Hi: 20}}
	queue := chunk.NewQueue(tasks)

	p := &worker.Pool{
		Connections: []message.Connection{nopConn{}},
		SpillDir:    dir,
		Fetch: func(_ context.Context, _ message.Connection, _ message.Peer, task chunk.Task, _ int) ([]message.Message, error) {
			if task.Lo == 0 {
				return nil, context.DeadlineExceeded
			}
			return []message.Message{{ID: task.Lo + 1}}, nil
		},
	}

	stats, err := p.Run(context.Background(), queue)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.ChunksFailed != 1 || stats.ChunksDone != 1 {
		t.Fatalf("want 1 failed + 1 done, got %+v", stats)
	}
}
