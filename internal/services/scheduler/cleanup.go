package scheduler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
)

// CleanupJobName is the name the file cleanup job is registered under
const CleanupJobName = "file_cleanup"

// CleanupOldFiles removes files under each dir last modified before
// now-maxAge, then the directories that are left empty and are either old
// themselves or were emptied by this run. The dirs themselves stay.
func CleanupOldFiles(dirs []string, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error

	for _, root := range dirs {
		if root == "" {
			continue
		}

		var subdirs []string
		touched := make(map[string]bool)
		oldDirs := make(map[string]bool)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root {
					subdirs = append(subdirs, path)
					oldDirs[path] = info.ModTime().Before(cutoff)
				}
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
					return nil
				}
				removed++
				touched[filepath.Dir(path)] = true
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to walk %s: %w", root, err))
		}

		// Deepest first so nested empty directories go too
		for i := len(subdirs) - 1; i >= 0; i-- {
			dir := subdirs[i]
			if !touched[dir] && !oldDirs[dir] {
				continue
			}
			entries, err := os.ReadDir(dir)
			if err == nil && len(entries) == 0 && os.Remove(dir) == nil {
				touched[filepath.Dir(dir)] = true
			}
		}
	}

	return removed, errors.Join(errs...)
}

// NewCleanupJob returns a scheduler handler that applies CleanupOldFiles to dirs
func NewCleanupJob(dirs []string, maxAge time.Duration, logger arbor.ILogger) func() error {
	return func() error {
		removed, err := CleanupOldFiles(dirs, maxAge, time.Now())
		logger.Info().
			Int("removed", removed).
			Dur("max_age", maxAge).
			Msg("Old temporary and download files cleaned up")
		return err
	}
}
