// Package analytics aggregates what the service has ingested: lifetime and
// per-day download counters persisted through storage, and a free-space
// reading for every configured ingest directory so clients can warn before
// the library volume fills.
package analytics

import (
	"os"
	"path/filepath"

	"bookforge/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
)

// IngestUsage is the space picture for one content type's ingest directory.
type IngestUsage struct {
	Dir     string  `json:"dir"`
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot is the aggregate served by GET /api/stats.
type Snapshot struct {
	TotalBytes int64                  `json:"total_bytes"`
	TotalFiles int64                  `json:"total_files"`
	DailyBytes map[string]int64       `json:"daily_bytes"`
	Ingest     map[string]IngestUsage `json:"ingest"`
}

// StatsManager counts completed ingests and reads ingest-directory space.
// The directory set comes through a lookup func so the configuration
// surface stays the single owner of content-type -> directory mapping.
type StatsManager struct {
	storage    *storage.Storage
	ingestDirs func() map[string]string // content type -> configured directory
}

func NewStatsManager(s *storage.Storage, ingestDirs func() map[string]string) *StatsManager {
	return &StatsManager{storage: s, ingestDirs: ingestDirs}
}

// TrackCompleted records one finished ingest of the given size into today's
// counters. Called from the scheduler's terminal hook, so a failed write is
// surfaced to the log rather than swallowed on a fire-and-forget goroutine.
func (sm *StatsManager) TrackCompleted(bytes int64) error {
	if err := sm.storage.IncrementDailyBytes(bytes); err != nil {
		return err
	}
	return sm.storage.IncrementDailyFiles()
}

// Lifetime reports total bytes and files ingested across all days.
func (sm *StatsManager) Lifetime() (bytes int64, files int64, err error) {
	bytes, err = sm.storage.GetTotalLifetime()
	if err != nil {
		return 0, 0, err
	}
	files, err = sm.storage.GetTotalFiles()
	if err != nil {
		return 0, 0, err
	}
	return bytes, files, nil
}

// DailyBytes returns the last days of per-day ingested byte counts keyed by
// date.
func (sm *StatsManager) DailyBytes(days int) (map[string]int64, error) {
	stats, err := sm.storage.GetDailyHistory(days)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(stats))
	for _, s := range stats {
		out[s.Date] = s.Bytes
	}
	return out, nil
}

// usageFor reads the space picture under dir, walking up to the nearest
// existing parent when the ingest directory has not been created yet.
func usageFor(dir string) IngestUsage {
	out := IngestUsage{Dir: dir}
	probe := dir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	usage, err := disk.Usage(probe)
	if err != nil {
		return out
	}
	const bytesPerGB = 1 << 30
	out.UsedGB = float64(usage.Used) / bytesPerGB
	out.FreeGB = float64(usage.Free) / bytesPerGB
	out.TotalGB = float64(usage.Total) / bytesPerGB
	out.Percent = usage.UsedPercent
	return out
}

// Snapshot assembles the full analytics payload: lifetime counters, a week
// of daily history, and the space picture per ingest directory.
func (sm *StatsManager) Snapshot() Snapshot {
	out := Snapshot{
		DailyBytes: map[string]int64{},
		Ingest:     map[string]IngestUsage{},
	}
	if bytes, files, err := sm.Lifetime(); err == nil {
		out.TotalBytes = bytes
		out.TotalFiles = files
	}
	if daily, err := sm.DailyBytes(7); err == nil {
		out.DailyBytes = daily
	}
	if sm.ingestDirs != nil {
		for contentType, dir := range sm.ingestDirs() {
			out.Ingest[contentType] = usageFor(dir)
		}
	}
	return out
}
