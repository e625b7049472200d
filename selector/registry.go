package selector

import (
	"fmt"
	"sync"
)

// registry is the process-wide selector table keyed by id.
var registry struct {
	mu        sync.Mutex
	selectors map[int]*Selector
}

func init() {
	registry.selectors = make(map[int]*Selector)
}

// Handle is a reference-counted lease on a Selector. Acquire/Release pairs
// must balance; the Selector is created lazily on first Acquire and torn
// down on last Release.
type Handle struct {
	sel *Selector
}

// Acquire returns a Handle to the Selector for id, creating it if this is
// the first acquirer.
func Acquire(id int) (*Handle, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	s, ok := registry.selectors[id]
	if !ok {
		var err error
		s, err = newSelector(id)
		if err != nil {
			return nil, fmt.Errorf("selector: acquire id=%d: %w", id, err)
		}
		registry.selectors[id] = s
	}
	s.refcount++
	return &Handle{sel: s}, nil
}

// Selector returns the underlying Selector this handle references.
func (h *Handle) Selector() *Selector { return h.sel }

// Release decrements the reference count, stopping and evicting the
// Selector once the last holder releases it.
func Release(h *Handle) {
	if h == nil || h.sel == nil {
		return
	}
	registry.mu.Lock()
	h.sel.refcount--
	dead := h.sel.refcount <= 0
	if dead {
		delete(registry.selectors, h.sel.id)
	}
	registry.mu.Unlock()
	if dead {
		h.sel.Stop()
	}
	h.sel = nil
}
