package debug

import "github.com/markus-k/probe-rs/internal/target"

// RegisterCache holds register values read while a core is halted. Any
// transition into Halted or Running empties it.
type RegisterCache struct {
	values map[target.RegisterID]uint64
}

// NewRegisterCache returns an empty cache.
func NewRegisterCache() *RegisterCache {
	return &RegisterCache{values: make(map[target.RegisterID]uint64)}
}

// Get returns a cached value.
func (c *RegisterCache) Get(id target.RegisterID) (uint64, bool) {
	v, ok := c.values[id]
	return v, ok
}

// Put stores a value read from or written to the core.
func (c *RegisterCache) Put(id target.RegisterID, v uint64) {
	c.values[id] = v
}

// Invalidate drops every cached value.
func (c *RegisterCache) Invalidate() {
	clear(c.values)
}

// Len returns the number of cached registers.
func (c *RegisterCache) Len() int {
	return len(c.values)
}
