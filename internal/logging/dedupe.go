package logging

import "sync"

// dedupeSet is a bounded FIFO set of recent entry signatures. It lets the
// tail watcher tell apart lines this process wrote from lines written by
// another writer of the same file.
type dedupeSet struct {
	mu    sync.Mutex
	limit int
	set   map[string]struct{}
	order []string
}

func newDedupeSet(limit int) *dedupeSet {
	return &dedupeSet{
		limit: limit,
		set:   make(map[string]struct{}, limit),
	}
}

func (d *dedupeSet) Add(sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[sig]; ok {
		return
	}
	d.set[sig] = struct{}{}
	d.order = append(d.order, sig)
	for len(d.order) > d.limit {
		delete(d.set, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *dedupeSet) Has(sig string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set[sig]
	return ok
}
