package resource

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("resource backend closed")

// LocalBackend is an in-memory slot store with generation tracking.
type LocalBackend struct {
	entries  []entry
	freeList []uint32
	live     int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value  any
	typeID TypeID
	gen    uint32
	valid  bool
}

// NewLocalBackend creates a new in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

// Create stores a value and returns a handle.
func (b *LocalBackend) Create(typeID TypeID, value any) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	b.live++

	if n := len(b.freeList); n > 0 {
		slot := b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
		e := &b.entries[slot-1]
		e.gen++
		e.typeID = typeID
		e.value = value
		e.valid = true
		return makeHandle(slot, e.gen), nil
	}

	b.entries = append(b.entries, entry{typeID: typeID, value: value, valid: true})
	return makeHandle(uint32(len(b.entries)), 0), nil
}

// lookup returns the live entry for h. Caller holds mu.
func (b *LocalBackend) lookup(h Handle) *entry {
	slot := h.slot()
	if slot == 0 || int(slot) > len(b.entries) {
		return nil
	}
	e := &b.entries[slot-1]
	if !e.valid || e.gen != h.gen() {
		return nil
	}
	return e
}

// Get retrieves a value by handle.
func (b *LocalBackend) Get(h Handle) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e := b.lookup(h)
	if e == nil {
		return nil, false
	}
	return e.value, true
}

// TypeID returns the type ID for a handle.
func (b *LocalBackend) TypeID(h Handle) (TypeID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e := b.lookup(h)
	if e == nil {
		return 0, false
	}
	return e.typeID, true
}

// Drop removes an entry and returns its value and type.
func (b *LocalBackend) Drop(h Handle) (any, TypeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.lookup(h)
	if e == nil {
		return nil, 0, false
	}

	value, typeID := e.value, e.typeID
	e.valid = false
	e.value = nil
	b.freeList = append(b.freeList, h.slot())
	b.live--

	return value, typeID, true
}

// Len returns the number of live entries.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.live
}

// Each iterates over live entries until fn returns false. fn must not
// call back into the backend.
func (b *LocalBackend) Each(fn func(Handle, TypeID, any) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := range b.entries {
		e := &b.entries[i]
		if e.valid {
			if !fn(makeHandle(uint32(i+1), e.gen), e.typeID, e.value) {
				return
			}
		}
	}
}

// Close marks the backend closed and returns the values that were still
// live, in slot order.
func (b *LocalBackend) Close() []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var remaining []any
	for i := range b.entries {
		if b.entries[i].valid {
			remaining = append(remaining, b.entries[i].value)
		}
	}

	b.entries = nil
	b.freeList = nil
	b.live = 0
	return remaining
}
