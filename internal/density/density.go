// Package density implements C2, the DensityEstimator: samples a handful of
// probe points in a target ID range to estimate messages-per-1000-IDs
// without fetching the whole range.
package density

import (
	"context"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/nlog"
)

const safeDefault = 50.0

// Config is the subset of internal/config.Config the estimator needs; kept
// narrow so callers can pass literals in tests without constructing a full
// Config.
type Config struct {
	Enabled      bool
	SamplePoints int
	SampleRange  int64
}

// Estimate samples Config.SamplePoints probe points in [lo,hi] (by default
// {lo, lo+(hi-lo)/2, hi}) and returns the mean messages-per-1000-IDs density
// observed in a ±SampleRange/2 window around each. Any probe error is
// skipped; if every probe fails, or the range is too small to sample safely,
// or estimation is disabled, the safe default (50.0) is returned.
func Estimate(ctx context.Context, conn message.Connection, peer message.Peer, lo, hi int64, cfg Config) float64 {
	if !cfg.Enabled {
		return safeDefault
	}
	span := hi - lo
	if span < 3*cfg.SampleRange {
		return safeDefault
	}

	points := probePoints(lo, hi, cfg.SamplePoints)
	var sum float64
	var n int
	for _, p := range points {
		d, err := sampleAround(ctx, conn, peer, p, cfg.SampleRange)
		if err != nil {
			nlog.Warningf("density: probe at %d failed, skipping: %v", p, err)
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return safeDefault
	}
	return sum / float64(n)
}

func probePoints(lo, hi int64, n int) []int64 {
	if n <= 1 {
		return []int64{lo + (hi-lo)/2}
	}
	pts := make([]int64, n)
	for i := 0; i < n; i++ {
		pts[i] = lo + (hi-lo)*int64(i)/int64(n-1)
	}
	return pts
}

func sampleAround(ctx context.Context, conn message.Connection, peer message.Peer, center, window int64) (float64, error) {
	half := window / 2
	loWin := center - half
	if loWin < 0 {
		loWin = 0
	}
	page, err := conn.GetHistory(ctx, peer, center+half, loWin, 100, 0)
	if err != nil {
		return 0, err
	}
	return float64(len(page.Messages)) / float64(window) * 1000, nil
}

// Thresholds is the density -> chunk-size table, consulted only when no hot
// zone matched.
type Thresholds struct {
	VeryHigh, High, Medium                          float64
	ChunkVeryHigh, ChunkHigh, ChunkMedium, ChunkLow int
}

func ChunkSizeForDensity(msgsPer1k float64, t Thresholds) int {
	switch {
	case msgsPer1k > t.VeryHigh:
		return t.ChunkVeryHigh
	case msgsPer1k > t.High:
		return t.ChunkHigh
	case msgsPer1k > t.Medium:
		return t.ChunkMedium
	default:
		return t.ChunkLow
	}
}
