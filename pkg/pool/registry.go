package pool

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/shale/pkg/browser"
)

// Registry is the in-memory table of live sessions keyed by id.
//
// mu guards the table itself (insert, remove, list). Each entry carries its
// own lock for tags and reservation state, so mutating one session never
// blocks another. Locks are always taken table first, then entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
	newID   func() string
}

// NewRegistry creates an empty registry that assigns UUIDv4 ids.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		newID:   uuid.NewString,
	}
}

// Insert stores a session for a freshly spawned handle and returns its
// snapshot. The id is generated here and never reused while live. A session
// inserted with reserved=true is never observable as free.
func (r *Registry) Insert(h browser.Handle, tags []string, reserved bool) Session {
	now := time.Now()
	e := &entry{
		browserName: h.BrowserName(),
		createdAt:   now,
		handle:      h,
		tags:        NormalizeTags(tags),
		reserved:    reserved,
		lastUsed:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.entries[id] != nil {
		id = r.newID()
	}
	r.seq++
	e.id = id
	e.seq = r.seq
	r.entries[id] = e

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// lookup returns the live entry for id.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, notFound(id)
	}
	return e.snapshot(), nil
}

// Snapshot copies every live session in creation order.
func (r *Registry) Snapshot() []Session {
	entries := r.sortedEntries()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// sortedEntries returns the live entries in creation order.
func (r *Registry) sortedEntries() []*entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return entries
}

// List returns the sessions matching match (nil matches all). The registry
// is copied when List is called; the filter runs lazily as the sequence is
// consumed, and the sequence can be ranged over any number of times.
func (r *Registry) List(match func(Session) bool) iter.Seq[Session] {
	snap := r.Snapshot()
	return func(yield func(Session) bool) {
		for _, s := range snap {
			if match != nil && !match(s) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// removeIf deletes the session if check (run under the entry lock) returns
// nil, and returns its final snapshot and handle for the caller to
// terminate. A nil check removes unconditionally. check may mutate the
// entry, e.g. to force-release it.
func (r *Registry) removeIf(id string, check func(e *entry) error) (Session, browser.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Session{}, nil, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if check != nil {
		if err := check(e); err != nil {
			return Session{}, nil, err
		}
	}
	e.removed = true
	delete(r.entries, id)
	return e.snapshot(), e.handle, nil
}

// UpdateTags replaces the tag set of a session.
func (r *Registry) UpdateTags(id string, tags []string) (Session, error) {
	return r.mutate(id, func(e *entry) error {
		e.tags = NormalizeTags(tags)
		return nil
	})
}

// Touch refreshes the last-used time of a session.
func (r *Registry) Touch(id string) (Session, error) {
	return r.mutate(id, func(*entry) error { return nil })
}

// mutate runs fn under the entry lock of a live session and stamps the
// last-used time when fn succeeds.
func (r *Registry) mutate(id string, fn func(e *entry) error) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Session{}, notFound(id)
	}
	if err := fn(e); err != nil {
		return Session{}, err
	}
	e.lastUsed = time.Now()
	return e.snapshot(), nil
}

// drain removes every session and returns their handles.
func (r *Registry) drain() []removed {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]removed, 0, len(r.entries))
	for id, e := range r.entries {
		e.mu.Lock()
		e.removed = true
		out = append(out, removed{session: e.snapshot(), handle: e.handle})
		e.mu.Unlock()
		delete(r.entries, id)
	}
	return out
}

// removed pairs a session that left the registry with the handle still to
// be terminated.
type removed struct {
	session Session
	handle  browser.Handle
}
