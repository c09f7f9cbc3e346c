package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyCatalog     = errors.New("catalog has no entries")
	ErrBlankName        = errors.New("catalog entry has a blank name")
	ErrDuplicateName    = errors.New("catalog entry name is duplicated")
	ErrNegativeMaxCount = errors.New("catalog entry has a negative max count")
)

// Entry is one trackable item and the upper bound of its count.
type Entry struct {
	Name     string `yaml:"name"`
	MaxCount int    `yaml:"max_count"`
}

// Catalog is the ordered list of items a snapshot reports on.
// Order is significant and is preserved in every snapshot.
type Catalog []Entry

// defaultEntries is the reference deployment's item list.
var defaultEntries = []Entry{
	{Name: "Progressive Beetle", MaxCount: 4},
	{Name: "Progressive Sword", MaxCount: 6},
	{Name: "Progressive Bow", MaxCount: 3},
	{Name: "Gust Bellows", MaxCount: 1},
	{Name: "Bomb Bag", MaxCount: 1},
	{Name: "Progressive Slingshot", MaxCount: 2},
	{Name: "Clawshots", MaxCount: 1},
	{Name: "Whip", MaxCount: 1},
}

// Default returns a copy of the built-in catalog.
func Default() Catalog {
	c := make(Catalog, len(defaultEntries))
	copy(c, defaultEntries)
	return c
}

// New copies entries into a validated catalog.
func New(entries ...Entry) (Catalog, error) {
	c := make(Catalog, len(entries))
	copy(c, entries)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects catalogs the generator cannot serve. It is meant to run once at
// startup so that bad bounds never reach a session.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return ErrEmptyCatalog
	}

	seen := make(map[string]int, len(c))
	for i, e := range c {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entry %d: %w", i, ErrBlankName)
		}
		if prev, ok := seen[e.Name]; ok {
			return fmt.Errorf("entry %d %q (first at %d): %w", i, e.Name, prev, ErrDuplicateName)
		}
		seen[e.Name] = i
		if e.MaxCount < 0 {
			return fmt.Errorf("entry %d %q max_count=%d: %w", i, e.Name, e.MaxCount, ErrNegativeMaxCount)
		}
	}
	return nil
}

// Names returns the item names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, e := range c {
		names[i] = e.Name
	}
	return names
}

type fileFormat struct {
	Items []Entry `yaml:"items"`
}

// Parse decodes a YAML catalog document and validates it.
func Parse(data []byte) (Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Items...)
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
