// Package catalog holds the static menu of orderable items and their prices.
// A Catalog is built once at startup and never mutated afterwards.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item is one orderable product.
type Item struct {
	Name  string `yaml:"name" json:"name"`
	Price int64  `yaml:"price" json:"price"`
}

// Catalog is an immutable item→price lookup. Names are matched case-insensitively.
type Catalog struct {
	items map[string]Item
	order []string
}

// file is the on-disk shape of CATALOG_FILE.
type file struct {
	Items []Item `yaml:"items"`
}

// Default returns the built-in cake menu.
func Default() *Catalog {
	c, _ := New([]Item{
		{Name: "chocolate", Price: 500},
		{Name: "vanilla", Price: 300},
		{Name: "butterscotch", Price: 700},
	})
	return c
}

// New builds a catalog from items. Names must be unique and prices positive.
func New(items []Item) (*Catalog, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}

	c := &Catalog{items: make(map[string]Item, len(items))}
	for _, it := range items {
		key := normalize(it.Name)
		if key == "" {
			return nil, fmt.Errorf("catalog item with empty name")
		}
		if it.Price <= 0 {
			return nil, fmt.Errorf("catalog item %q has non-positive price %d", it.Name, it.Price)
		}
		if _, dup := c.items[key]; dup {
			return nil, fmt.Errorf("catalog item %q listed twice", it.Name)
		}
		c.items[key] = Item{Name: key, Price: it.Price}
		c.order = append(c.order, key)
	}
	sort.Strings(c.order)
	return c, nil
}

// Load reads a YAML catalog file, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return New(f.Items)
}

// Lookup finds an item by name.
func (c *Catalog) Lookup(name string) (Item, bool) {
	it, ok := c.items[normalize(name)]
	return it, ok
}

// Items returns all items sorted by name.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.items[name])
	}
	return out
}

// Match returns the first catalog item (by name order) mentioned as whole
// words anywhere in text.
func (c *Catalog) Match(text string) (Item, bool) {
	padded := " " + strings.Join(words(text), " ") + " "
	for _, name := range c.order {
		if strings.Contains(padded, " "+strings.Join(words(name), " ")+" ") {
			return c.items[name], true
		}
	}
	return Item{}, false
}

// Describe renders the menu as one line per item, e.g. "chocolate - 500 INR".
func (c *Catalog) Describe(currency string) string {
	var b strings.Builder
	for i, it := range c.Items() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s - %d %s", it.Name, it.Price, currency)
	}
	return b.String()
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
