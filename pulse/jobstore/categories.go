package jobstore

import (
	"sort"
	"strings"
	"sync"
)

// Categories is the process-wide allow-list of job categories. An empty list
// enables every category. Jobs without a category are always eligible.
//
// The filter is applied at query time, so enabling a category makes its
// waiting jobs eligible on the next poll without touching their rows.
type Categories struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewCategories creates an allow-list containing names.
func NewCategories(names ...string) *Categories {
	c := &Categories{}
	c.Set(names)
	return c
}

// Set replaces the allow-list.
func (c *Categories) Set(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	c.mu.Lock()
	c.set = set
	c.mu.Unlock()
}

// Enable adds name to the allow-list.
func (c *Categories) Enable(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		c.set = make(map[string]struct{})
	}
	c.set[name] = struct{}{}
}

// Disable removes name from the allow-list. Removing the last entry
// re-enables every category.
func (c *Categories) Disable(name string) {
	c.mu.Lock()
	delete(c.set, strings.TrimSpace(name))
	c.mu.Unlock()
}

// List returns the allow-list sorted. Nil means every category is enabled.
func (c *Categories) List() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.set) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.set))
	for name := range c.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEnabled reports whether jobs in category are eligible.
func (c *Categories) IsEnabled(category string) bool {
	if c == nil || category == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.set) == 0 {
		return true
	}
	_, ok := c.set[category]
	return ok
}
