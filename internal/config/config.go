// Package config defines the single read-mostly Config struct covering every
// tunable of the export engine, validated once at startup and shared by
// pointer, read-only, with every component thereafter — mirroring aistore's cmn.Rom
// read-mostly snapshot (cmn/rom.go) rather than a global mutable singleton.
package config

import (
	"time"

	"github.com/ais-export/shardhist/internal/xerr"
)

// Strategy is the retry backoff strategy (C8).
type Strategy string

const (
	StrategyFixed       Strategy = "FIXED"
	StrategyLinear      Strategy = "LINEAR"
	StrategyExponential Strategy = "EXPONENTIAL"
	StrategyAdaptive    Strategy = "ADAPTIVE"
)

// Config is the fully-resolved, immutable-after-validation configuration for
// one shard export run plus the retry/pool subsystem it shares with any other
// caller (e.g. a media downloader) in the same process.
type Config struct {
	// sharding
	EnableShardFetch bool
	ShardCount       int
	ShardChunkSize   int

	// hot zones (C1)
	EnableHotZones bool
	ExportRoot     string // parent of .monitoring/slow_ranges_db.json

	// density estimation (C2)
	EnableDensityEstimation bool
	DensitySamplePoints     int
	DensitySampleRange      int
	DensityVeryHighThresh   float64
	DensityHighThresh       float64
	DensityMediumThresh     float64
	ChunkSizeVeryHighDensity int
	ChunkSizeHighDensity     int
	ChunkSizeMediumDensity   int
	ChunkSizeLowDensity      int

	// adaptive split (C5)
	SlowChunkThreshold   time.Duration
	SlowChunkMaxRetries  int
	WarnThreshold        time.Duration

	// bulk export token (C4/C9)
	MaxFileSizeMB int

	// disk space guard (C5)
	MinFreeDiskMB int

	// retry/timeout (C8)
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Strategy           Strategy
	Jitter             bool
	JitterRange        float64
	BackoffMultiplier  float64
	BaseTimeout        time.Duration
	LargeFileTimeout   time.Duration
	HugeFileTimeout    time.Duration
	SpeedThresholdKbps float64
	DetectionWindow    int
	MaxConcurrent      int
	AutoScale          bool
	ScaleThreshold     float64

	// pipeline (C7)
	FetchWorkers      int
	ProcessWorkers    int
	WriteWorkers      int
	FetchQueueSize    int
	ProcessQueueSize  int
}

// Default returns the configuration with every numeric default this engine
// ships with out of the box.
func Default() *Config {
	return &Config{
		EnableShardFetch: true,
		ShardCount:       8,
		ShardChunkSize:   50_000,

		EnableHotZones: true,
		ExportRoot:     ".",

		EnableDensityEstimation:  true,
		DensitySamplePoints:      3,
		DensitySampleRange:       1000,
		DensityVeryHighThresh:    150,
		DensityHighThresh:        100,
		DensityMediumThresh:      50,
		ChunkSizeVeryHighDensity: 5_000,
		ChunkSizeHighDensity:     10_000,
		ChunkSizeMediumDensity:   15_000,
		ChunkSizeLowDensity:      50_000,

		SlowChunkThreshold:  10 * time.Second,
		SlowChunkMaxRetries: 2, // i.e. up to 4^2 = 16-way recursive fan-out before giving up
		WarnThreshold:       2 * time.Second,

		MaxFileSizeMB: 4000,
		MinFreeDiskMB: 500,

		MaxAttempts:        5,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		Strategy:           StrategyAdaptive,
		Jitter:             true,
		JitterRange:        0.2,
		BackoffMultiplier:  2.0,
		BaseTimeout:        60 * time.Second,
		LargeFileTimeout:   5 * time.Minute,
		HugeFileTimeout:    15 * time.Minute,
		SpeedThresholdKbps: 50,
		DetectionWindow:    5,
		MaxConcurrent:      8,
		AutoScale:          true,
		ScaleThreshold:     0.8,

		FetchWorkers:     1,
		ProcessWorkers:   4,
		WriteWorkers:     1,
		FetchQueueSize:   256,
		ProcessQueueSize: 256,
	}
}

// Validate checks shard_count >= 1, shard_chunk_size in [5000, 50000],
// density_sample_points >= 1, positive worker counts and max_concurrent in
// [2, 20], and returns the first violation as an xerr.New error. Timeout
// fields are not checked here.
func (c *Config) Validate() error {
	switch {
	case c.ShardCount < 1:
		return xerr.New("config: shard_count must be >= 1")
	case c.ShardChunkSize < 5_000 || c.ShardChunkSize > 50_000:
		return xerr.New("config: shard_chunk_size must be in [5000, 50000]")
	case c.DensitySamplePoints < 1:
		return xerr.New("config: density_sample_points must be >= 1")
	case c.FetchWorkers < 1 || c.ProcessWorkers < 1 || c.WriteWorkers < 1:
		return xerr.New("config: fetch/process/write worker counts must be >= 1")
	case c.MaxConcurrent < 2 || c.MaxConcurrent > 20:
		return xerr.New("config: max_concurrent must be in [2, 20]")
	}
	return nil
}
