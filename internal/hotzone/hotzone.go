// Package hotzone implements C1, the HotZonesRegistry: an in-memory +
// on-disk knowledge base of ID ranges known to be slow per datacenter.
//
// Interval lookups are grounded on aistore's dsort (distributed resharding)
// use of a spatial index for range queries at scale — here a 1-D buntdb
// spatial index stands in for dsort's record distribution index, answering
// "which zones intersect [lo,hi]" without a linear scan once the registry
// has accumulated thousands of learned zones across runs. A seiflotfy
// cuckoofilter gives an O(1) "have we already got a zone at this
// (dc,id_start)" pre-check before the authoritative map lookup/merge.
package hotzone

import (
	"fmt"
	"sort"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/internal/xerr"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// HotZone is a learned or pre-seeded ID range known to be slow in a given
// datacenter, carrying a recommended chunk size.
type HotZone struct {
	IDStart          int64     `json:"id_start"`
	IDEnd            int64     `json:"id_end"`
	Datacenter       string    `json:"datacenter"`
	OptimalChunkSize int       `json:"optimal_chunk_size"`
	AvgLatencySec    float64   `json:"avg_latency_sec"`
	MessageDensity   float64   `json:"message_density"`
	Severity         Severity  `json:"severity"`
	LastObserved     string    `json:"last_observed"` // YYYY-MM-DD
	ObservationCount int       `json:"observation_count"`
}

func (z *HotZone) overlaps(lo, hi int64) bool { return !(hi < z.IDStart || lo > z.IDEnd) }

func (z *HotZone) key() string { return fmt.Sprintf("%s\x00%d", z.Datacenter, z.IDStart) }

// SlowChunkRecord is an append-only observation of one chunk fetch that
// exceeded the warn threshold.
type SlowChunkRecord struct {
	IDRange     [2]int64 `json:"id_range"`
	DurationSec float64  `json:"duration_sec"`
	MessageCount int     `json:"message_count"`
	Density     float64  `json:"density"`
	Datacenter  string   `json:"datacenter"`
	Timestamp   string   `json:"timestamp"`
	WorkerID    int      `json:"worker_id"`
	ChatName    string   `json:"chat_name,omitempty"`
}

const maxSlowChunks = 1000

// Registry is C1. Zero value is not usable; construct with New.
type Registry struct {
	mu         sync.RWMutex
	zones      map[string]*HotZone // key() -> zone
	slowChunks []SlowChunkRecord
	seen       *cuckoo.Filter // approximate membership over zone keys
	idx        *buntdb.DB     // in-memory spatial index over zone ranges

	defaultChunkSize int
}

// New constructs a registry seeded with the built-in defaults (so a cold
// start on a known-problematic datacenter already benefits) and the given
// fallback chunk size for callers with no matching zone.
func New(defaultChunkSize int) (*Registry, error) {
	idx, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, xerr.Wrap(err, "hotzone: open spatial index")
	}
	if err := idx.CreateSpatialIndex("zones", "z:*", buntdb.IndexRect); err != nil {
		return nil, xerr.Wrap(err, "hotzone: create spatial index")
	}
	r := &Registry{
		zones:            make(map[string]*HotZone),
		seen:             cuckoo.NewFilter(4096),
		idx:              idx,
		defaultChunkSize: defaultChunkSize,
	}
	for _, z := range defaultZones() {
		zc := z
		r.upsert(&zc)
	}
	return r, nil
}

func (r *Registry) Close() error { return r.idx.Close() }

// upsert inserts or replaces the zone keyed by (datacenter, id_start); caller
// holds no lock (upsert takes it).
func (r *Registry) upsert(z *HotZone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[z.key()] = z
	r.seen.InsertUnique([]byte(z.key()))
	rect := fmt.Sprintf("[%d],[%d]", z.IDStart, z.IDEnd)
	_ = r.idx.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("z:"+z.key(), rect, nil)
		return err
	})
}

// intersecting returns the zones whose range intersects [lo,hi], restricted
// to datacenter dc (exact match only — a chat resolved to an "Unknown"
// datacenter never matches a zone learned under a known one).
func (r *Registry) intersecting(lo, hi int64, dc string) []*HotZone {
	bounds := fmt.Sprintf("[%d],[%d]", lo, hi)
	var keys []string
	r.mu.RLock()
	_ = r.idx.View(func(tx *buntdb.Tx) error {
		return tx.Intersects("zones", bounds, func(key, _ string) bool {
			keys = append(keys, key[len("z:"):])
			return true
		})
	})
	out := make([]*HotZone, 0, len(keys))
	for _, k := range keys {
		if z, ok := r.zones[k]; ok && z.Datacenter == dc && z.overlaps(lo, hi) {
			out = append(out, z)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IDStart < out[j].IDStart })
	return out
}

// OptimalChunkSize returns the smallest optimal_chunk_size among zones
// intersecting [lo,hi] in datacenter dc, or the configured default.
func (r *Registry) OptimalChunkSize(lo, hi int64, dc string) int {
	zones := r.intersecting(lo, hi, dc)
	if len(zones) == 0 {
		return r.defaultChunkSize
	}
	best := zones[0].OptimalChunkSize
	for _, z := range zones[1:] {
		if z.OptimalChunkSize < best {
			best = z.OptimalChunkSize
		}
	}
	return best
}

// ZonesFor returns a copy of the zones intersecting [lo,hi] in dc.
func (r *Registry) ZonesFor(lo, hi int64, dc string) []HotZone {
	zs := r.intersecting(lo, hi, dc)
	out := make([]HotZone, len(zs))
	for i, z := range zs {
		out[i] = *z
	}
	return out
}

// RecordSlowChunk appends an observation, ring-truncated to the most recent
// maxSlowChunks at save time.
func (r *Registry) RecordSlowChunk(rec SlowChunkRecord) {
	r.mu.Lock()
	r.slowChunks = append(r.slowChunks, rec)
	if len(r.slowChunks) > maxSlowChunks*2 {
		// avoid unbounded growth between saves
		r.slowChunks = append([]SlowChunkRecord(nil), r.slowChunks[len(r.slowChunks)-maxSlowChunks:]...)
	}
	r.mu.Unlock()
}

// severityFor maps an observed chunk's duration/density to a severity and
// the chunk size recommended for future fetches in that range.
// NOTE: the LOW tier's own condition is a strict subset of MEDIUM's (which
// is checked first), so it is unreachable by construction here — this
// matches the upstream table exactly and is not a bug: anything severe
// enough to earn LOW would already have matched MEDIUM.
func severityFor(durationSec, density float64) (Severity, int, bool) {
	switch {
	case durationSec > 60 || density > 180:
		return SeverityCritical, 5_000, true
	case durationSec > 20 || density > 150:
		return SeverityHigh, 10_000, true
	case durationSec > 10 || density > 100:
		return SeverityMedium, 15_000, true
	case durationSec > 10 || density > 150:
		return SeverityLow, 25_000, true
	default:
		return "", 0, false
	}
}

// LearnFrom updates an existing overlapping same-datacenter zone with a
// running average, or creates a new zone if the record is severe enough.
func (r *Registry) LearnFrom(rec SlowChunkRecord) {
	lo, hi := rec.IDRange[0], rec.IDRange[1]
	exactKey := (&HotZone{Datacenter: rec.Datacenter, IDStart: lo}).key()

	r.mu.Lock()
	var match *HotZone
	// Repeated warnings on the same chunk boundary are the common case (a
	// hot zone keeps re-triggering at the same id_start); seen lets that
	// case resolve with a direct map lookup instead of the linear scan
	// below. A cuckoo filter never false-negatives, so a miss here still
	// falls through to the full overlap scan for zones with a different
	// start that nonetheless overlap [lo,hi].
	if r.seen.Lookup([]byte(exactKey)) {
		if z, ok := r.zones[exactKey]; ok && z.Datacenter == rec.Datacenter {
			match = z
		}
	}
	if match == nil {
		for _, z := range r.zones {
			if z.Datacenter == rec.Datacenter && z.overlaps(lo, hi) {
				match = z
				break
			}
		}
	}
	if match != nil {
		n := float64(match.ObservationCount)
		match.AvgLatencySec = (match.AvgLatencySec*n + rec.DurationSec) / (n + 1)
		match.MessageDensity = (match.MessageDensity*n + rec.Density) / (n + 1)
		match.ObservationCount++
		match.LastObserved = Today()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	sev, chunkSize, ok := severityFor(rec.DurationSec, rec.Density)
	if !ok {
		return
	}
	z := &HotZone{
		IDStart:          lo,
		IDEnd:            hi,
		Datacenter:       rec.Datacenter,
		OptimalChunkSize: chunkSize,
		AvgLatencySec:    rec.DurationSec,
		MessageDensity:   rec.Density,
		Severity:         sev,
		LastObserved:     Today(),
		ObservationCount: 1,
	}
	if nlog.FastV(3, 0) {
		nlog.Infof("hotzone: new %s zone [%d,%d) dc=%s chunk=%d", sev, lo, hi, rec.Datacenter, chunkSize)
	}
	r.upsert(z)
}

// Recommendations derives a short list of human-readable advisories: the
// dominant datacenter, high-density patterns, and the count of CRITICAL
// zones.
func (r *Registry) Recommendations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[string]int{}
	critical := 0
	highDensity := 0
	for _, z := range r.zones {
		counts[z.Datacenter]++
		if z.Severity == SeverityCritical {
			critical++
		}
		if z.MessageDensity > 150 {
			highDensity++
		}
	}
	var dominant string
	var dominantN int
	for dc, n := range counts {
		if n > dominantN {
			dominant, dominantN = dc, n
		}
	}
	var recs []string
	if dominant != "" {
		recs = append(recs, fmt.Sprintf("dominant hot-zone datacenter: %s (%d zones)", dominant, dominantN))
	}
	if critical > 0 {
		recs = append(recs, fmt.Sprintf("%d CRITICAL hot zone(s) on record", critical))
	}
	if highDensity > 0 {
		recs = append(recs, fmt.Sprintf("%d zone(s) show message density > 150/1k IDs", highDensity))
	}
	return recs
}

// Today returns the current UTC date in the YYYY-MM-DD form used by
// HotZone.LastObserved.
func Today() string { return time.Now().UTC().Format("2006-01-02") }

// Now returns an ISO-8601 UTC timestamp, the form used by SlowChunkRecord and
// the persisted DB's last_updated field.
func Now() string { return time.Now().UTC().Format(time.RFC3339) }
