// Package nrt implements the NBD Request Table (spec.md §4.3): a bounded
// pool of NBD-request slots gated by a counting semaphore, with the
// overlap/idle queries the Receiver and Sender use to decide drain
// barriers and soft-disconnect completion.
package nrt

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
	"github.com/VladikNeVladik/NBD-Server/internal/wire"
)

// None is the sentinel returned by TryAcquire when the table is full.
const None = -1

// Entry is one NRT slot (spec.md §3 "NBD Request (NRT entry)").
type Entry struct {
	Occupied      bool
	Error         uint32
	Type          uint16
	Handle        uint64
	Offset        uint64
	Length        uint32
	IOReqsPending int
	Started       time.Time
}

func (e Entry) isWrite() bool { return e.Type == wire.CmdWrite }

func (e Entry) overlaps(offset uint64, length uint32) bool {
	aEnd := e.Offset + uint64(e.Length)
	bEnd := offset + uint64(length)
	return e.Offset < bEnd && offset < aEnd
}

// Table is the NRT: MaxNBD slots.
type Table struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	count int
	entries []Entry
	hint  int
}

// New allocates a Table with constants.MaxNBD slots.
func New() *Table {
	return &Table{
		sem:     semaphore.NewWeighted(int64(constants.MaxNBD)),
		entries: make([]Entry, constants.MaxNBD),
	}
}

// Acquire blocks until a slot is available and claims it.
func (t *Table) Acquire(ctx context.Context) (int, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return None, err
	}
	return t.claim(), nil
}

func (t *Table) claim() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	for i := 0; i < n; i++ {
		idx := (t.hint + i) % n
		if !t.entries[idx].Occupied {
			t.entries[idx] = Entry{Occupied: true}
			t.hint = (idx + 1) % n
			t.count++
			return idx
		}
	}
	panic("nrt: semaphore granted but no free slot")
}

// Fill records the parsed request on an already-claimed slot.
func (t *Table) Fill(idx int, errCode uint32, cmdType uint16, handle uint64, offset uint64, length uint32) {
	t.mu.Lock()
	e := &t.entries[idx]
	e.Error = errCode
	e.Type = cmdType
	e.Handle = handle
	e.Offset = offset
	e.Length = length
	e.Started = time.Now()
	t.mu.Unlock()
}

// SetError overwrites the error code recorded on an already-filled slot,
// used when a rule evaluated after Fill (e.g. the read-only export check)
// changes the outcome of an already-classified request.
func (t *Table) SetError(idx int, errCode uint32) {
	t.mu.Lock()
	t.entries[idx].Error = errCode
	t.mu.Unlock()
}

// SetPending sets the outstanding child-I/O count for idx.
func (t *Table) SetPending(idx int, n int) {
	t.mu.Lock()
	t.entries[idx].IOReqsPending = n
	t.mu.Unlock()
}

// DecrementPending decrements idx's outstanding count and returns the new
// value.
func (t *Table) DecrementPending(idx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[idx].IOReqsPending--
	return t.entries[idx].IOReqsPending
}

// Get returns a copy of entry idx.
func (t *Table) Get(idx int) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[idx]
}

// Release marks idx free and returns it to the semaphore.
func (t *Table) Release(idx int) {
	t.mu.Lock()
	t.entries[idx] = Entry{}
	t.count--
	t.mu.Unlock()
	t.sem.Release(1)
}

// Overlap reports whether some other occupied entry's range intersects
// [offset, offset+length) and at least one of the two is a WRITE
// (spec.md §4.3 "Overlap query"). self is excluded from the scan.
func (t *Table) Overlap(self int, offset uint64, length uint32, isWrite bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if i == self || !e.Occupied {
			continue
		}
		if !isWrite && !e.isWrite() {
			continue // two reads never require ordering
		}
		if e.overlaps(offset, length) {
			return true
		}
	}
	return false
}

// Idle reports whether no slot is occupied (spec.md §4.3 "Quiescence
// query").
func (t *Table) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count == 0
}

// InUse returns the number of currently occupied slots.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
