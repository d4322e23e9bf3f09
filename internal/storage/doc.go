// Package storage locates the on-disk model cache and checks that it can
// hold another artifact.
//
// Model files live flat under <root>/models, one file per catalog entry.
// When no root is configured the platform data directory is used:
//
//   - Linux: $XDG_DATA_HOME/modelcache or ~/.local/share/modelcache
//   - macOS: ~/Library/Application Support/modelcache
//   - Windows: %APPDATA%\modelcache
package storage
