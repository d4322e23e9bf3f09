package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/ligustah/modelcache/internal/catalog"
	"github.com/ligustah/modelcache/internal/storage"
)

// Tolerance is the accepted relative deviation between the size of a file
// on disk and the size declared in its descriptor.
const Tolerance = 0.05

// keyPrefix prefixes every flag key.
const keyPrefix = "model_downloaded_"

// FlagKey returns the flag store key for a model.
func FlagKey(id string) string {
	return keyPrefix + id
}

// WithinTolerance reports whether actual is within Tolerance of expected.
func WithinTolerance(actual, expected int64) bool {
	diff := math.Abs(float64(actual - expected))
	return diff <= Tolerance*float64(expected)
}

// Tracker records which models are fully downloaded and reconciles that
// record against the files on disk whenever it is queried.
type Tracker struct {
	catalog *catalog.Catalog
	locator *storage.Locator
	store   FlagStore
	log     *zap.SugaredLogger
}

// NewTracker creates a tracker. A nil logger disables logging.
func NewTracker(cat *catalog.Catalog, locator *storage.Locator, store FlagStore, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		catalog: cat,
		locator: locator,
		store:   store,
		log:     log.Named("integrity"),
	}
}

// IsDownloaded reports whether the model is ready to load. It returns false
// for unknown IDs and never returns an error: any failure while validating
// reads as not downloaded.
//
// A set flag whose file is missing is cleared. A set flag whose file size
// falls outside Tolerance is cleared and the file deleted.
func (t *Tracker) IsDownloaded(ctx context.Context, id string) bool {
	d, ok := t.catalog.Lookup(id)
	if !ok {
		return false
	}

	flag, err := t.store.Get(ctx, FlagKey(id))
	if err != nil {
		t.log.Warnw("read flag failed", "model", id, "error", err)
		return false
	}
	if !flag {
		return false
	}

	path, err := t.locator.ModelPath(d)
	if err != nil {
		t.log.Warnw("resolve model path failed", "model", id, "error", err)
		return false
	}

	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.log.Infow("model file missing, clearing flag", "model", id, "path", path)
		t.clear(ctx, id)
		return false
	case err != nil:
		t.log.Warnw("stat model file failed", "model", id, "path", path, "error", err)
		return false
	}

	if !WithinTolerance(fi.Size(), d.Size) {
		t.log.Warnw("model file size out of tolerance, deleting",
			"model", id, "path", path, "size", fi.Size(), "expected", d.Size)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.log.Warnw("delete corrupt model failed", "model", id, "error", err)
		}
		t.clear(ctx, id)
		return false
	}

	return true
}

func (t *Tracker) clear(ctx context.Context, id string) {
	if err := t.MarkNotDownloaded(ctx, id); err != nil {
		t.log.Warnw("clear flag failed", "model", id, "error", err)
	}
}

// MarkDownloaded sets the model's flag.
func (t *Tracker) MarkDownloaded(ctx context.Context, id string) error {
	return t.store.Set(ctx, FlagKey(id), true)
}

// MarkNotDownloaded clears the model's flag.
func (t *Tracker) MarkNotDownloaded(ctx context.Context, id string) error {
	return t.store.Set(ctx, FlagKey(id), false)
}

// ResolvePath returns the model file path if IsDownloaded is true.
func (t *Tracker) ResolvePath(ctx context.Context, id string) (string, bool) {
	if !t.IsDownloaded(ctx, id) {
		return "", false
	}
	d, _ := t.catalog.Lookup(id)
	path, err := t.locator.ModelPath(d)
	if err != nil {
		return "", false
	}
	return path, true
}

// Record is a read-only snapshot of a model's cache state.
type Record struct {
	ID string

	// Flag is the persisted downloaded flag.
	Flag bool

	Path string

	// Size is the size of the file on disk, or 0 if absent.
	Size int64

	// Expected is the size declared in the catalog.
	Expected int64

	Exists bool
}

// Partial reports whether a file exists that has not been marked
// downloaded, i.e. an interrupted transfer that can be resumed.
func (r Record) Partial() bool {
	return r.Exists && !r.Flag
}

// Inspect returns the cache state of a model without repairing anything.
func (t *Tracker) Inspect(ctx context.Context, id string) (Record, error) {
	d, ok := t.catalog.Lookup(id)
	if !ok {
		return Record{}, fmt.Errorf("unknown model %q", id)
	}

	flag, err := t.store.Get(ctx, FlagKey(id))
	if err != nil {
		return Record{}, err
	}

	path, err := t.locator.ModelPath(d)
	if err != nil {
		return Record{}, err
	}

	rec := Record{ID: id, Flag: flag, Path: path, Expected: d.Size}
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		rec.Exists = true
		rec.Size = fi.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return Record{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return rec, nil
}
