package catalog

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/modelcache/internal/progress"
)

// ErrInvalidCatalog is returned when catalog entries fail validation.
var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

// Descriptor describes one downloadable model artifact.
type Descriptor struct {
	// ID is the unique key of the model.
	ID string `yaml:"id"`

	// Name is the human-readable display name.
	Name string `yaml:"name"`

	// URL is where the artifact is downloaded from.
	URL string `yaml:"url"`

	// FileName is the name of the artifact in the models directory.
	FileName string `yaml:"file_name"`

	// Size is the expected artifact size in bytes.
	Size int64 `yaml:"size"`

	// Description says what the model is for.
	Description string `yaml:"description"`
}

// Catalog is an immutable, ordered set of descriptors.
type Catalog struct {
	entries   []Descriptor
	index     map[string]int
	defaultID string
}

// New builds a catalog from entries in declaration order.
// The first entry is the default model.
func New(entries ...Descriptor) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidCatalog)
	}

	c := &Catalog{
		entries: make([]Descriptor, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	files := make(map[string]string, len(entries))

	for _, d := range entries {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, d.ID)
		}
		if other, dup := files[d.FileName]; dup {
			return nil, fmt.Errorf("%w: %q and %q share file name %q", ErrInvalidCatalog, other, d.ID, d.FileName)
		}
		files[d.FileName] = d.ID
		c.index[d.ID] = len(c.entries)
		c.entries = append(c.entries, d)
	}

	c.defaultID = c.entries[0].ID
	return c, nil
}

// MustNew is like New but panics on invalid entries.
func MustNew(entries ...Descriptor) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

// WithDefault returns a copy of c whose default model is id.
func (c *Catalog) WithDefault(id string) (*Catalog, error) {
	if _, ok := c.index[id]; !ok {
		return nil, fmt.Errorf("%w: default model %q not in catalog", ErrInvalidCatalog, id)
	}
	cp := *c
	cp.defaultID = id
	return &cp, nil
}

// Lookup returns the descriptor for id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	i, ok := c.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.entries[i], true
}

// List returns a snapshot of all descriptors in declaration order.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, len(c.entries))
	copy(out, c.entries)
	return out
}

// Default returns the default model descriptor.
func (c *Catalog) Default() Descriptor {
	return c.entries[c.index[c.defaultID]]
}

// Len returns the number of models in the catalog.
func (c *Catalog) Len() int {
	return len(c.entries)
}

func (d Descriptor) validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: entry without id", ErrInvalidCatalog)
	case d.URL == "":
		return fmt.Errorf("%w: %s: url is required", ErrInvalidCatalog, d.ID)
	case d.FileName == "":
		return fmt.Errorf("%w: %s: file_name is required", ErrInvalidCatalog, d.ID)
	case d.Size <= 0:
		return fmt.Errorf("%w: %s: size must be positive", ErrInvalidCatalog, d.ID)
	}
	return nil
}

// yamlCatalog is the on-disk catalog format. Sizes may be written as
// plain byte counts or human strings like "1.1GB".
type yamlCatalog struct {
	Default string           `yaml:"default"`
	Models  []yamlDescriptor `yaml:"models"`
}

type yamlDescriptor struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	FileName    string `yaml:"file_name"`
	Size        string `yaml:"size"`
	Description string `yaml:"description"`
}

// LoadFile loads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var yc yamlCatalog
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	entries := make([]Descriptor, 0, len(yc.Models))
	for _, m := range yc.Models {
		size, err := parseSize(m.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: size: %v", ErrInvalidCatalog, m.ID, err)
		}
		entries = append(entries, Descriptor{
			ID:          m.ID,
			Name:        m.Name,
			URL:         m.URL,
			FileName:    m.FileName,
			Size:        size,
			Description: m.Description,
		})
	}

	c, err := New(entries...)
	if err != nil {
		return nil, err
	}
	if yc.Default != "" {
		return c.WithDefault(yc.Default)
	}
	return c, nil
}

func parseSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return progress.ParseBytes(s)
}
