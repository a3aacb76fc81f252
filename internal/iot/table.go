// Package iot implements the I/O Request Table (spec.md §4.2): a bounded
// pool of IOT slots, each paired with a pre-registered, block-aligned
// buffer, allocation gated by a counting semaphore.
package iot

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
)

// None is the sentinel returned by TryAcquire when the table is full.
const None = -1

// Entry is one IOT slot (spec.md §3 "I/O Request (IOT entry)").
type Entry struct {
	Occupied bool
	Mother   int // NRT index this I/O belongs to
	Opcode   uint8
	Offset   uint64
	Length   uint32
	Error    uint32
}

// Table is the IOT: MaxIO slots, each with a block-aligned slice into a
// single contiguous arena that outlives every entry (spec.md §3
// "Ownership & lifecycle").
type Table struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	count int // mirrors constants.MaxIO - (semaphore value), for Idle()/invariant checks

	entries []Entry
	arena   []byte
	hint    int
}

// New allocates a Table with constants.MaxIO slots and a block-aligned
// arena of MaxIO*BlockSize bytes.
func New() *Table {
	t := &Table{
		sem:     semaphore.NewWeighted(int64(constants.MaxIO)),
		entries: make([]Entry, constants.MaxIO),
		arena:   make([]byte, constants.MaxIO*constants.BlockSize),
	}
	return t
}

// Buffer returns the registered buffer for slot idx.
func (t *Table) Buffer(idx int) []byte {
	return t.arena[idx*constants.BlockSize : (idx+1)*constants.BlockSize]
}

// Buffers returns every slot's buffer, in slot-index order, for SCR fixed
// buffer registration (spec.md §4.1 "Setup").
func (t *Table) Buffers() [][]byte {
	bufs := make([][]byte, constants.MaxIO)
	for i := range bufs {
		bufs[i] = t.Buffer(i)
	}
	return bufs
}

// Acquire blocks until a slot is available, claims the first free slot
// starting from a rotating hint, and records mother (spec.md §4.2
// "Allocation").
func (t *Table) Acquire(ctx context.Context, mother int) (int, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return None, err
	}
	return t.claim(mother), nil
}

// TryAcquire claims a slot without blocking, returning None if the table is
// full.
func (t *Table) TryAcquire(mother int) int {
	if !t.sem.TryAcquire(1) {
		return None
	}
	return t.claim(mother)
}

func (t *Table) claim(mother int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	for i := 0; i < n; i++ {
		idx := (t.hint + i) % n
		if !t.entries[idx].Occupied {
			t.entries[idx] = Entry{Occupied: true, Mother: mother}
			t.hint = (idx + 1) % n
			t.count++
			return idx
		}
	}
	// Unreachable under correct semaphore accounting.
	panic("iot: semaphore granted but no free slot")
}

// Release marks idx free and returns it to the semaphore.
func (t *Table) Release(idx int) {
	t.mu.Lock()
	t.entries[idx] = Entry{}
	t.count--
	t.mu.Unlock()
	t.sem.Release(1)
}

// Fill sets the submission-relevant fields of an already-claimed entry.
func (t *Table) Fill(idx int, opcode uint8, offset uint64, length uint32, errCode uint32) {
	t.mu.Lock()
	e := t.entries[idx]
	e.Opcode = opcode
	e.Offset = offset
	e.Length = length
	e.Error = errCode
	t.entries[idx] = e
	t.mu.Unlock()
}

// Get returns a copy of entry idx.
func (t *Table) Get(idx int) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[idx]
}

// SetError records a completion error on an already-submitted entry
// (spec.md §4.1 "Completion contract" step 3).
func (t *Table) SetError(idx int, errCode uint32) {
	t.mu.Lock()
	t.entries[idx].Error = errCode
	t.mu.Unlock()
}

// Idle reports whether no slot is occupied (semaphore value == MaxIO).
func (t *Table) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count == 0
}

// InUse returns the number of currently occupied slots, for the testable
// invariant "semaphore value ∈ [0, MAX_IO]" (spec.md §8).
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
