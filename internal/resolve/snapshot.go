package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Snapshot is the set of regular files (relative paths) present in
// a directory tree at a point in time.
type Snapshot map[string]struct{}

// TakeSnapshot records every regular file beneath the directory provided. A
// directory which does not exist produces an empty snapshot.
func TakeSnapshot(dir string) (Snapshot, error) {
	snapshot := make(Snapshot)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}

			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		snapshot[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", dir, err)
	}

	return snapshot, nil
}

// NewEntries returns the entries present in 'after' which were not present
// in this snapshot, sorted so that selection from the result is deterministic.
func (before Snapshot) NewEntries(after Snapshot) []string {
	entries := make([]string, 0)
	for path := range after {
		if _, ok := before[path]; !ok {
			entries = append(entries, path)
		}
	}

	slices.Sort(entries)
	return entries
}
