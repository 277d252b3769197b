package density_test

import (
	"context"
	"testing"

	"github.com/ais-export/shardhist/internal/density"
	"github.com/ais-export/shardhist/internal/message"
)

type fakeConn struct {
	perWindow int // messages returned per GetHistory call
	fail      bool
}

func (f *fakeConn) Clone(context.Context) (message.Connection, error)       { return f, nil }
func (f *fakeConn) WithBulkExportToken(string) message.Connection           { return f }
func (f *fakeConn) Close() error                                           { return nil }
func (f *fakeConn) GetHistory(_ context.Context, _ message.Peer, _, _ int64, limit int, _ int64) (message.Page, error) {
	if f.fail {
		return message.Page{}, context.Canceled
	}
	n := f.perWindow
	if n > limit {
		n = limit
	}
	msgs := make([]message.Message, n)
	return message.Page{Messages: msgs}, nil
}

func TestEstimateDisabled(t *testing.T) {
	got := density.Estimate(context.Background(), &fakeConn{perWindow: 100}, message.Peer{}, 0, 1_000_000, density.Config{Enabled: false})
	if got != 50.0 {
		t.Fatalf("want default 50.0, got %v", got)
	}
}

func TestEstimateTooSmallRange(t *testing.T) {
	cfg := density.Config{Enabled: true, SamplePoints: 3, SampleRange: 1000}
	got := density.Estimate(context.Background(), &fakeConn{perWindow: 100}, message.Peer{}, 0, 2000, cfg)
	if got != 50.0 {
		t.Fatalf("want default 50.0 for a too-small range, got %v", got)
	}
}

func TestEstimateAllProbesFail(t *testing.T) {
	cfg := density.Config{Enabled: true, SamplePoints: 3, SampleRange: 1000}
	got := density.Estimate(context.Background(), &fakeConn{fail: true}, message.Peer{}, 0, 1_000_000, cfg)
	if got != 50.0 {
		t.Fatalf("want default 50.0 when every probe fails, got %v", got)
	}
}

func TestEstimateMean(t *testing.T) {
	cfg := density.Config{Enabled: true, SamplePoints: 3, SampleRange: 1000}
	// 100 msgs in a 1000-wide window -> density 100/1000*1000 = 100
	got := density.Estimate(context.Background(), &fakeConn{perWindow: 100}, message.Peer{}, 0, 1_000_000, cfg)
	if got != 100 {
		t.Fatalf("want 100, got %v", got)
	}
}

func TestChunkSizeForDensity(t *testing.T) {
	th := density.Thresholds{VeryHigh: 150, High: 100, Medium: 50, ChunkVeryHigh: 5_000, ChunkHigh: 10_000, ChunkMedium: 15_000, ChunkLow: 50_000}
	cases := []struct {
		d    float64
		want int
	}{
		{200, 5_000},
		{120, 10_000},
		{60, 15_000},
		{10, 50_000},
	}
	for _, c := range cases {
		if got := density.ChunkSizeForDensity(c.d, th); got != c.want {
			t.Errorf("density %v: want %d got %d", c.d, c.want, got)
		}
	}
}
