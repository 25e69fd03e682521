// Package catalog loads the static item catalog: the read-only lookup table of
// names, images, last known prices and marketplace listing ids. The catalog is
// fixed at load time; live/sold state lives in the engine, never here.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"soldout/internal/domain"
)

type Catalog struct {
	collection string
	items      []domain.Item
	byID       map[int]domain.Item
}

type catalogFile struct {
	Collection string        `yaml:"collection"`
	Items      []domain.Item `yaml:"items"`
}

// Load reads the catalog YAML file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses a catalog from raw YAML bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	c := &Catalog{
		collection: file.Collection,
		items:      file.Items,
		byID:       make(map[int]domain.Item, len(file.Items)),
	}
	for _, item := range file.Items {
		if item.ID < 0 {
			return nil, fmt.Errorf("catalog item id %d is negative", item.ID)
		}
		if _, dup := c.byID[item.ID]; dup {
			return nil, fmt.Errorf("catalog item id %d appears twice", item.ID)
		}
		c.byID[item.ID] = item
	}
	return c, nil
}

// FromItems builds a catalog directly, mainly for tests.
func FromItems(collection string, items []domain.Item) (*Catalog, error) {
	file := catalogFile{Collection: collection, Items: items}
	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Collection returns the collection identifier from the catalog file.
func (c *Catalog) Collection() string {
	return c.collection
}

// Get looks up one item by id.
func (c *Catalog) Get(id int) (domain.Item, bool) {
	item, ok := c.byID[id]
	return item, ok
}

// Size is the total catalog size; the counts invariant is checked against it.
func (c *Catalog) Size() int {
	return len(c.items)
}

// Items returns the catalog entries in file order.
func (c *Catalog) Items() []domain.Item {
	return c.items
}

// IDs returns every item id in file order.
func (c *Catalog) IDs() []int {
	ids := make([]int, len(c.items))
	for i, item := range c.items {
		ids[i] = item.ID
	}
	return ids
}
