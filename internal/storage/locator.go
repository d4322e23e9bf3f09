package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ligustah/modelcache/internal/catalog"
)

// AppName names the default data directory.
const AppName = "modelcache"

// modelsDir is the subdirectory of the root holding model files.
const modelsDir = "models"

// Common errors.
var (
	ErrUnwritable          = errors.New("storage: directory is not writable")
	ErrInsufficientStorage = errors.New("storage: insufficient free space")
)

// Option configures a Locator.
type Option func(*Locator)

// WithFreeSpaceFunc replaces the free-space query. Used by tests to
// simulate a full disk.
func WithFreeSpaceFunc(fn func(path string) (int64, error)) Option {
	return func(l *Locator) {
		l.freeSpace = fn
	}
}

// WithHeadroom sets the number of bytes that must remain free after an
// artifact is written.
func WithHeadroom(n int64) Option {
	return func(l *Locator) {
		l.headroom = n
	}
}

// Locator resolves the process-wide models directory.
type Locator struct {
	root      string
	headroom  int64
	freeSpace func(path string) (int64, error)

	mu  sync.Mutex
	dir string
}

// NewLocator creates a locator rooted at root. An empty root selects the
// platform data directory, resolved lazily on first use.
func NewLocator(root string, opts ...Option) *Locator {
	l := &Locator{
		root:      root,
		freeSpace: freeSpace,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the configured root, resolving the platform default if
// none was given.
func (l *Locator) Root() (string, error) {
	if l.root != "" {
		return l.root, nil
	}
	root, err := defaultRoot(AppName)
	if err != nil {
		return "", fmt.Errorf("resolve default data dir: %w", err)
	}
	return root, nil
}

// ModelsDirectory returns <root>/models, creating it if absent. Once the
// directory has been created the same path is returned on every call.
// Failures are not cached so a later call tries again.
func (l *Locator) ModelsDirectory() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dir != "" {
		return l.dir, nil
	}

	root, err := l.Root()
	if err != nil {
		return "", err
	}

	dir, err := filepath.Abs(filepath.Join(root, modelsDir))
	if err != nil {
		return "", fmt.Errorf("resolve models dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrUnwritable, dir, err)
	}

	l.dir = dir
	return dir, nil
}

// ModelPath returns where the artifact for d is stored.
func (l *Locator) ModelPath(d catalog.Descriptor) (string, error) {
	dir, err := l.ModelsDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, d.FileName), nil
}

// EnsureCapacity checks that the models directory accepts writes and that
// at least need bytes plus the configured headroom are free.
func (l *Locator) EnsureCapacity(need int64) error {
	dir, err := l.ModelsDirectory()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnwritable, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	if need < 0 {
		need = 0
	}
	free, err := l.freeSpace(dir)
	if err != nil {
		// Writability was confirmed; a filesystem that cannot report its
		// free space is not treated as full.
		return nil
	}
	if required := need + l.headroom; free < required {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientStorage, required, free)
	}
	return nil
}
