package channels

// DedupWindow is a bounded set of recently processed external message IDs.
// It prevents re-processing when polls overlap or the platform re-delivers
// an event. Oldest entries are evicted first once the capacity is reached.
//
// A DedupWindow is mutated only by its owning session's loop and therefore
// needs no locking.
type DedupWindow struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

// NewDedupWindow creates a window holding at most capacity IDs.
// Capacities below 1 are raised to 1.
func NewDedupWindow(capacity int) *DedupWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &DedupWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Observe records the ID and reports whether it was new. Already-seen IDs
// return false and leave the window unchanged.
func (d *DedupWindow) Observe(id string) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}
	if old := d.order[d.head]; old != "" {
		delete(d.seen, old)
	}
	d.order[d.head] = id
	d.head = (d.head + 1) % d.capacity
	d.seen[id] = struct{}{}
	return true
}

// Contains reports whether the ID is currently in the window.
func (d *DedupWindow) Contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of IDs currently held.
func (d *DedupWindow) Len() int {
	return len(d.seen)
}
