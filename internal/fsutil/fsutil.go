package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PredictionSuffix marks files written by reconstruction jobs so they are
// never picked up as input again.
const PredictionSuffix = "_predictions.csv"

// IsEventFile reports whether path looks like an event table: a .csv file
// that is not a prediction output or a hidden/partial file.
func IsEventFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return false
	}
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".csv") {
		return false
	}
	return !strings.HasSuffix(lower, PredictionSuffix)
}

// ListEventFiles returns all event tables under root, sorted.
func ListEventFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsEventFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// PredictionPath returns the output path for an event table, in dir when
// given and next to the input otherwise.
func PredictionPath(input, dir string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + PredictionSuffix
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, base)
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
