package call

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sebas/telebridge/internal/store"
)

// Registry tracks the calls currently known to the service.
//
// Only the service run loop mutates the registry. Readers get cloned records,
// so snapshot calls from other goroutines never observe a half-applied change.
type Registry struct {
	mu       sync.RWMutex
	nextID   int
	byID     map[int]*Record
	byHandle map[string]int

	// history keeps removed records around briefly so late commands can be
	// told apart from commands for ids that never existed.
	history *store.TTLStore[int, *Record]
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	onForget func(rec *Record)
}

// WithForget sets a callback run when a removed record leaves history. From
// then on its id reports ErrCallNotFound instead of ErrCallTerminated.
func WithForget(fn func(rec *Record)) RegistryOption {
	return func(o *registryOptions) { o.onForget = fn }
}

// NewRegistry creates an empty registry. Removed records stay in history for historyTTL.
func NewRegistry(historyTTL time.Duration, opts ...RegistryOption) *Registry {
	var o registryOptions
	for _, opt := range opts {
		opt(&o)
	}
	sweep := historyTTL / 2
	if sweep <= 0 {
		sweep = time.Second
	}
	var storeOpts []store.Option[int, *Record]
	if o.onForget != nil {
		storeOpts = append(storeOpts, store.WithEvict(func(_ int, rec *Record) { o.onForget(rec) }))
	}
	return &Registry{
		byID:     make(map[int]*Record),
		byHandle: make(map[string]int),
		history:  store.NewTTLStore[int, *Record](historyTTL, sweep, storeOpts...),
	}
}

// Add assigns the next id to rec and tracks it. Ids are never reused.
func (r *Registry) Add(rec *Record) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Handle != "" {
		if _, exists := r.byHandle[rec.Handle]; exists {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateHandle, rec.Handle)
		}
	}

	r.nextID++
	rec.ID = r.nextID
	r.byID[rec.ID] = rec
	if rec.Handle != "" {
		r.byHandle[rec.Handle] = rec.ID
	}
	return rec.ID, nil
}

// Lookup returns the live record for id. The pointer is only valid on the
// owning goroutine; use Get from anywhere else.
func (r *Registry) Lookup(id int) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.byID[id]; ok {
		return rec, nil
	}
	if _, ok := r.history.Get(id); ok {
		return nil, fmt.Errorf("call %d: %w", id, ErrCallTerminated)
	}
	return nil, fmt.Errorf("call %d: %w", id, ErrCallNotFound)
}

// LookupHandle returns the live record bound to a platform handle
func (r *Registry) LookupHandle(handle string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// Get returns a copy of the tracked record for id
func (r *Registry) Get(id int) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update applies fn to the tracked record under the write lock.
func (r *Registry) Update(id int, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("call %d: %w", id, ErrCallNotFound)
	}
	fn(rec)
	return nil
}

// Remove stops tracking id. It returns the removed record and true only for
// the first removal of a given id.
func (r *Registry) Remove(id int) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if rec.Handle != "" {
		delete(r.byHandle, rec.Handle)
	}
	r.history.Put(id, rec.Clone())
	return rec, true
}

// Snapshot returns copies of all tracked records ordered by id
func (r *Registry) Snapshot() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked calls
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Close releases the history store
func (r *Registry) Close() {
	r.history.Close()
}
