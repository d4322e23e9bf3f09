//go:build darwin

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns ~/Library/Application Support/<app>.
func defaultRoot(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", app), nil
}
