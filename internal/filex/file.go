// Package filex resolves the directories podsync keeps device-local state in.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// userConfigDir is swapped in tests.
var userConfigDir = os.UserConfigDir

// EnsureDir creates dir (and parents) with owner-only permissions and
// returns its absolute path.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return abs, nil
}

// DataDir returns <user config dir>/<app>, creating it if needed. When the
// platform has no config dir the current working directory is used instead.
func DataDir(app string) (string, error) {
	base, err := userConfigDir()
	if err != nil || base == "" {
		if base, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
	}
	return EnsureDir(filepath.Join(base, app))
}
