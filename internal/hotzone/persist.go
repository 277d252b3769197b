package hotzone

import (
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/ais-export/shardhist/internal/nlog"
	"github.com/ais-export/shardhist/internal/xerr"
)

var js = jsoniter.ConfigCompatibleWithStandardLibrary

const dbRelPath = ".monitoring/slow_ranges_db.json"

type dbFile struct {
	Version     string            `json:"version"`
	LastUpdated string            `json:"last_updated"`
	HotZones    []HotZone         `json:"hot_zones"`
	SlowChunks  []SlowChunkRecord `json:"slow_chunks"`
}

// DBPath returns the path of the on-disk slow-range DB under exportRoot.
func DBPath(exportRoot string) string { return filepath.Join(exportRoot, dbRelPath) }

// Save atomically (write-temp-then-rename) persists the registry as JSON.
// The slow-chunk list is ring-truncated to the most recent maxSlowChunks.
func (r *Registry) Save(exportRoot string) error {
	path := DBPath(exportRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerr.Wrap(err, "hotzone: mkdir for db")
	}

	r.mu.RLock()
	zones := make([]HotZone, 0, len(r.zones))
	for _, z := range r.zones {
		zones = append(zones, *z)
	}
	chunks := r.slowChunks
	if len(chunks) > maxSlowChunks {
		chunks = chunks[len(chunks)-maxSlowChunks:]
	}
	out := dbFile{
		Version:     "1.0",
		LastUpdated: Now(),
		HotZones:    zones,
		SlowChunks:  append([]SlowChunkRecord(nil), chunks...),
	}
	r.mu.RUnlock()

	sort.Slice(out.HotZones, func(i, j int) bool {
		if out.HotZones[i].Datacenter != out.HotZones[j].Datacenter {
			return out.HotZones[i].Datacenter < out.HotZones[j].Datacenter
		}
		return out.HotZones[i].IDStart < out.HotZones[j].IDStart
	})

	buf, err := js.MarshalIndent(&out, "", "  ")
	if err != nil {
		return xerr.Wrap(err, "hotzone: marshal db")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return xerr.Wrap(err, "hotzone: write temp db")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerr.Wrap(err, "hotzone: rename temp db")
	}
	return nil
}

// Load reads the on-disk DB if present, updating/appending zones in place
// (exact (datacenter, id_start) match updates; everything else is appended).
// A missing file is not an error; a malformed file logs a warning and keeps
// whatever was already loaded (defaults).
func (r *Registry) Load(exportRoot string) error {
	path := DBPath(exportRoot)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerr.Wrap(err, "hotzone: read db")
	}
	var in dbFile
	if err := js.Unmarshal(buf, &in); err != nil {
		nlog.Warningf("hotzone: malformed db at %s, falling back to defaults: %v", path, err)
		return nil
	}
	for i := range in.HotZones {
		z := in.HotZones[i]
		r.upsert(&z)
	}
	r.mu.Lock()
	r.slowChunks = append(r.slowChunks, in.SlowChunks...)
	if len(r.slowChunks) > maxSlowChunks {
		r.slowChunks = r.slowChunks[len(r.slowChunks)-maxSlowChunks:]
	}
	r.mu.Unlock()
	return nil
}
