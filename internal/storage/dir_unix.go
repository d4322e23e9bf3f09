//go:build !darwin && !windows

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns $XDG_DATA_HOME/<app> if set,
// otherwise ~/.local/share/<app>.
func defaultRoot(app string) (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, app), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", app), nil
}
