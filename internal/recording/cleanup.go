// Package recording owns maintenance of the on-disk recording store.
package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically removes
// WAV files older than maxDays from dir. If maxDays is 0, no cleanup is
// performed. The goroutine stops when the provided context is cancelled.
func StartCleanupTicker(ctx context.Context, dir string, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	log := logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted := sweep(dir, maxDays, log)
				if deleted > 0 {
					log.Info("recording retention cleanup", "deleted", deleted, "max_days", maxDays)
				}
			}
		}
	}()
}

// sweep deletes expired WAV files and returns how many were removed.
func sweep(dir string, maxDays int, log *slog.Logger) int {
	cutoff := time.Now().AddDate(0, 0, -maxDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error("recording retention: cannot read directory", "dir", dir, "error", err)
		return 0
	}

	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove recording file", "path", path, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}
