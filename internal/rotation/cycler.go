// Package rotation provides the infinite cyclic sequences a task run uses to
// assign groups, message scenarios and proxies to work units. Assignment
// depends only on submission order, so a rerun over the same filename order
// reproduces the same pairing.
package rotation

import "sync"

// Cycler hands out the elements of a fixed slice in an endless round-robin.
// Next is safe for concurrent use; the position is shared across every unit
// of one task run.
type Cycler[T any] struct {
	mu    sync.Mutex
	items []T
	pos   int
}

func NewCycler[T any](items []T) *Cycler[T] {
	return &Cycler[T]{items: items}
}

// Next returns the next element, wrapping around at the end. An empty cycler
// returns the zero value.
func (c *Cycler[T]) Next() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if len(c.items) == 0 {
		return zero
	}
	v := c.items[c.pos]
	c.pos = (c.pos + 1) % len(c.items)
	return v
}

// Len returns the number of distinct elements in the cycle.
func (c *Cycler[T]) Len() int { return len(c.items) }

// AdminRotor tracks the admin interleaver's own group index. It advances once
// per batch, independent of the main group cycler's position.
type AdminRotor struct {
	mu     sync.Mutex
	groups []string
	idx    int
}

func NewAdminRotor(groups []string) *AdminRotor {
	return &AdminRotor{groups: groups}
}

// Current returns the group for the upcoming admin send without advancing.
func (r *AdminRotor) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.groups) == 0 {
		return "", false
	}
	return r.groups[r.idx], true
}

// Advance moves to the next group, modulo the group count.
func (r *AdminRotor) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.groups) == 0 {
		return
	}
	r.idx = (r.idx + 1) % len(r.groups)
}
