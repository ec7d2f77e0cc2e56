package pipeline

import "sync"

// InFlight is a process-local set of recording ids with a run in progress.
// Acquisition never blocks: a second caller for the same id is told so
// immediately. The zero value is ready to use.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight returns an empty set.
func NewInFlight() *InFlight {
	return &InFlight{}
}

// TryAcquire adds id and reports true, or reports false if id is already
// held.
func (f *InFlight) TryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	if f.ids == nil {
		f.ids = make(map[string]struct{})
	}
	f.ids[id] = struct{}{}
	return true
}

// Release removes id. Releasing an id that is not held is a no-op.
func (f *InFlight) Release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

// Held reports whether id is currently held.
func (f *InFlight) Held(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, held := f.ids[id]
	return held
}

// Len returns the number of held ids.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
