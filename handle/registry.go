// Package handle implements the reference-counted registry behind every
// opaque handle the bridge gives out. A handle is a plain integer, so it can
// cross a foreign-function boundary without carrying Go pointers with it;
// the registry is the single table that maps handles back to live values.
package handle

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Handle identifies a registered value. The zero Handle is never issued and
// never resolves.
type Handle uint64

// ErrNotFound is returned when a handle does not resolve to a live entry,
// either because it was never issued or because its count already hit zero.
var ErrNotFound = errors.New("handle not found")

type entry struct {
	value any
	refs  int
}

// Registry issues handles and tracks their reference counts. A value stays
// resolvable from the moment Register returns until its count drops to zero;
// the caller that registered it owns the initial reference.
//
// All methods are safe for concurrent use.
//
// Example:
//
//	reg := handle.NewRegistry()
//	h := reg.Register(session)
//	defer reg.Release(h)
//
//	if v, ok := reg.Resolve(h); ok {
//		sess := v.(*session.Session)
//		_ = sess
//	}
type Registry struct {
	mu      sync.Mutex
	next    uint64
	entries map[Handle]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]*entry)}
}

// Register stores v and returns a fresh handle holding one reference.
func (r *Registry) Register(v any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := Handle(r.next)
	r.entries[h] = &entry{value: v, refs: 1}
	return h
}

// Resolve returns the value behind h while at least one reference is held.
func (r *Registry) Resolve(h Handle) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Retain adds a reference to h.
func (r *Registry) Retain(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return fmt.Errorf("retain %d: %w", h, ErrNotFound)
	}
	e.refs++
	return nil
}

// Release drops a reference to h. When the count reaches zero the entry is
// removed and, if the value implements io.Closer, it is closed. Closing
// happens outside the registry lock so a Close implementation may call back
// into the registry.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	e, ok := r.entries[h]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("release %d: %w", h, ErrNotFound)
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, h)
	r.mu.Unlock()

	if closer, ok := e.value.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close %d: %w", h, err)
		}
	}
	return nil
}

// Refs returns the current reference count of h, zero when unknown.
func (r *Registry) Refs(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return 0
	}
	return e.refs
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
