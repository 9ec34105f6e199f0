package resource

import (
	"sync"
)

// Table maps handles to entities, with type tags and lifecycle observers.
type Table struct {
	backend   *LocalBackend
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates a new table backed by a LocalBackend.
func NewTable() *Table {
	return &Table{
		backend: NewLocalBackend(),
	}
}

// Insert adds a value and returns its handle, or 0 once the table is closed.
func (t *Table) Insert(typeID TypeID, value any) Handle {
	handle, err := t.backend.Create(typeID, value)
	if err != nil {
		return 0
	}

	t.notify(Event{
		Type:   EventCreated,
		Handle: handle,
		TypeID: typeID,
		Value:  value,
	})

	return handle
}

// Get retrieves a value by handle.
func (t *Table) Get(handle Handle) (any, bool) {
	return t.backend.Get(handle)
}

// GetTyped retrieves a value only if it matches the expected type.
func (t *Table) GetTyped(handle Handle, typeID TypeID) (any, bool) {
	actual, ok := t.backend.TypeID(handle)
	if !ok || actual != typeID {
		return nil, false
	}
	return t.backend.Get(handle)
}

// Remove drops an entry, calling its Dropper, and returns (value, true)
// if it was present.
func (t *Table) Remove(handle Handle) (any, bool) {
	value, typeID, ok := t.backend.Drop(handle)
	if !ok {
		return nil, false
	}

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}

	t.notify(Event{
		Type:   EventDropped,
		Handle: handle,
		TypeID: typeID,
		Value:  value,
	})

	return value, true
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return t.backend.Len()
}

// Each iterates over live entries.
func (t *Table) Each(fn func(Handle, TypeID, any) bool) {
	t.backend.Each(fn)
}

// Clear removes every entry.
func (t *Table) Clear() {
	// Collect handles first to avoid holding the lock during Remove
	var handles []Handle
	t.backend.Each(func(h Handle, _ TypeID, _ any) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.Remove(h)
	}
}

// Close drops every remaining entry and stops accepting inserts.
func (t *Table) Close() error {
	for _, v := range t.backend.Close() {
		if d, ok := v.(Dropper); ok {
			d.Drop()
		}
	}
	return nil
}

// Lookup is the typed form of GetTyped.
func Lookup[T any](t *Table, handle Handle, typeID TypeID) (T, bool) {
	var zero T
	v, ok := t.GetTyped(handle, typeID)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
