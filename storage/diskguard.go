// Package storage implements the disk-space guard referenced by the
// ambient housekeeping stack: the recording directory's volume is
// checked against a configured floor so the engine can refuse new
// recordings before the filesystem fills up, rather than producing a
// truncated, unplayable MP4 mid-write. Adapted from
// windalfin-ayo-mwr/storage/disk_manager.go's disk-space scan, ported
// from its raw syscall.Statfs call to gopsutil/v3/disk (the library the
// rest of this module already uses for process/resource sampling).
package storage

import (
	"fmt"
	"log"

	"github.com/shirou/gopsutil/v3/disk"
)

// Guard checks free space on the volume backing a directory against a
// configured minimum.
type Guard struct {
	path         string
	minFreeBytes uint64
}

// NewGuard constructs a Guard for path, enforcing at least minFreeMB
// megabytes of free space (the engine's additive storage.min_free_space_mb
// knob; not part of the original spec §6 table).
func NewGuard(path string, minFreeMB int64) *Guard {
	if minFreeMB < 0 {
		minFreeMB = 0
	}
	return &Guard{path: path, minFreeBytes: uint64(minFreeMB) * 1024 * 1024}
}

// HasHeadroom reports whether the guarded volume currently has at least
// the configured minimum free space.
func (g *Guard) HasHeadroom() (bool, error) {
	usage, err := disk.Usage(g.path)
	if err != nil {
		return false, fmt.Errorf("storage: failed to stat volume for %s: %w", g.path, err)
	}
	return usage.Free >= g.minFreeBytes, nil
}

// Check logs and returns an error if the guarded volume has fallen below
// its configured minimum free space; callers use this before starting a
// new recording branch.
func (g *Guard) Check() error {
	ok, err := g.HasHeadroom()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: %s has less than the configured minimum free space", g.path)
	}
	return nil
}

// LogUsage writes a single free-space summary line, used by the
// housekeeping scheduler's periodic disk check.
func (g *Guard) LogUsage() {
	usage, err := disk.Usage(g.path)
	if err != nil {
		log.Printf("[storage] failed to read disk usage for %s: %v", g.path, err)
		return
	}
	log.Printf("[storage] %s: %.1fGB free of %.1fGB (%.1f%% used)",
		g.path,
		float64(usage.Free)/1024/1024/1024,
		float64(usage.Total)/1024/1024/1024,
		usage.UsedPercent,
	)
}
