package taxonomy

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Cache loads each taxonomy version at most once and shares it between
// concurrent parses.
type Cache struct {
	mu     sync.Mutex
	dirs   map[string]string
	loaded map[string]*Taxonomy
}

// NewCache creates a cache over a version -> directory mapping.
func NewCache(dirs map[string]string) *Cache {
	return &Cache{
		dirs:   dirs,
		loaded: make(map[string]*Taxonomy),
	}
}

// Get returns the taxonomy for the given version, loading it on first use.
// Unknown versions fall back to "default" when a default directory exists.
func (c *Cache) Get(version string) (*Taxonomy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx, ok := c.loaded[version]; ok {
		return tx, nil
	}

	dir, ok := c.dirs[version]
	if !ok {
		dir, ok = c.dirs["default"]
		if !ok {
			return nil, eris.Errorf("taxonomy: no directory configured for version %q", version)
		}
	}

	tx, err := Load(version, dir)
	if err != nil {
		return nil, err
	}
	c.loaded[version] = tx
	return tx, nil
}
