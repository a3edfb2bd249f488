package export

import (
	"io"
	"math"
	"sync"

	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/lib/logger"
	"github.com/pyropy/remoting/lib/lru"
)

var log, _ = logger.New("export-table")

const DefaultTombstones = 256

type entry struct {
	object    any
	refcount  uint
	createdAt *model.Trace
}

type tombstone struct {
	createdAt  *model.Trace
	releasedAt *model.Trace
}

// Table maps handles to exported objects. An entry lives while its
// reference count is positive and is removed on the transition to zero.
// Handles are never reused within one table.
type Table struct {
	mu      sync.Mutex
	entries map[model.Handle]*entry
	next    int64

	released *lru.Cache[model.Handle, tombstone]
}

// NewTable creates an empty table remembering up to tombstones released
// handles for diagnostics.
func NewTable(tombstones int) *Table {
	return &Table{
		entries:  make(map[model.Handle]*entry),
		next:     1,
		released: lru.New[model.Handle, tombstone](tombstones),
	}
}

// Export adds object with a reference count of one and returns its handle.
func (t *Table) Export(object any, cause *model.Trace) (model.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.next > math.MaxInt32 {
		return model.NoHandle, ErrHandleSpaceExhausted
	}

	h := model.Handle(t.next)
	t.next++
	t.entries[h] = &entry{object: object, refcount: 1, createdAt: cause}

	return h, nil
}

// Pin increments the reference count of handle.
func (t *Table) Pin(h model.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[h]
	if !exists {
		return t.notFound(h, nil)
	}

	e.refcount++
	return nil
}

// Unexport decrements the reference count of handle and releases the object
// once nothing references it. Released objects implementing io.Closer are
// closed.
func (t *Table) Unexport(h model.Handle, cause *model.Trace) error {
	t.mu.Lock()

	e, exists := t.entries[h]
	if !exists {
		err := t.notFound(h, cause)
		t.mu.Unlock()
		return err
	}

	e.refcount--
	if e.refcount > 0 {
		t.mu.Unlock()
		return nil
	}

	delete(t.entries, h)
	t.released.Put(h, tombstone{createdAt: e.createdAt, releasedAt: cause})
	t.mu.Unlock()

	release(h, e.object)
	return nil
}

// Lookup returns the object behind handle without changing its count.
func (t *Table) Lookup(h model.Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[h]
	if !exists {
		return nil, t.notFound(h, nil)
	}

	return e.object, nil
}

// Refcount returns the current count of handle, zero when absent.
func (t *Table) Refcount(h model.Handle) uint {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[h]
	if !exists {
		return 0
	}

	return e.refcount
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Close drops every entry regardless of its count.
func (t *Table) Close(cause *model.Trace) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[model.Handle]*entry)
	for h, e := range entries {
		t.released.Put(h, tombstone{createdAt: e.createdAt, releasedAt: cause})
	}
	t.mu.Unlock()

	for h, e := range entries {
		release(h, e.object)
	}
}

// notFound must be called with t.mu held.
func (t *Table) notFound(h model.Handle, cause *model.Trace) error {
	err := &HandleNotFoundError{Handle: h, RequestedAt: cause}
	if ts, ok := t.released.Peek(h); ok {
		err.ExportedAt = ts.createdAt
		err.ReleasedAt = ts.releasedAt
	}

	return err
}

func release(h model.Handle, object any) {
	c, ok := object.(io.Closer)
	if !ok {
		return
	}

	if err := c.Close(); err != nil {
		log.Warnw("release", "handle", h, "error", err)
	}
}
