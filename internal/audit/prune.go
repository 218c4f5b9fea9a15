package audit

import (
	"fmt"
	"os"
	"time"
)

// Prune removes audit files in dir last modified before now minus
// retentionDays. It returns the number of files removed.
func Prune(dir string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	files, err := Files(dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return removed, fmt.Errorf("remove %s: %w", file, err)
		}
		removed++
	}
	return removed, nil
}
