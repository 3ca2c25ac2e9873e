// Package rootfind resolves the project root directory by walking up from
// the working directory to a recognizable marker. It is bootstrap glue used
// only to locate default config and checkpoint paths.
package rootfind

import (
	"fmt"
	"os"
	"path/filepath"
)

// markers identify a directory as the project root, checked in order.
var markers = []string{".enrichd", "enrichd.json", ".git"}

// Find walks up from startDir looking for a root marker. Empty startDir
// means the current working directory.
func Find(startDir string) (string, error) {
	dir := startDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}

	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(abs, marker)); err == nil {
				return abs, nil
			}
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no project root marker found above %s", dir)
		}
		abs = parent
	}
}

// FindOrCwd is Find with a working-directory fallback, for callers where an
// unmarked tree is fine.
func FindOrCwd(startDir string) string {
	root, err := Find(startDir)
	if err == nil {
		return root
	}
	if startDir != "" {
		return startDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
