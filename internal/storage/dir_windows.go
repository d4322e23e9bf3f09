//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns %APPDATA%\<app>.
func defaultRoot(app string) (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		appData = filepath.Join(home, "AppData", "Roaming")
	}
	return filepath.Join(appData, app), nil
}
