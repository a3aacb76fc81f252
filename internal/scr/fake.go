package scr

import (
	"errors"
	"sync"

	"github.com/VladikNeVladik/NBD-Server/export"
)

// ErrClosed is returned by WaitCompletion once Close has been called and no
// further completions are queued, mirroring how a closed kernel ring
// unblocks a thread parked in io_uring_enter.
var ErrClosed = errors.New("scr: ring closed")

// FakeRing is an in-process stand-in for the kernel ring, executing each
// submitted entry synchronously against an export.Backend and queuing a
// Completion for WaitCompletion to return. It preserves the same
// ordering-relevant contract as the real ring (FIFO completion per
// goroutine, one Completion per Entry) without touching io_uring, so
// internal/iot, internal/nrt, internal/receiver and internal/sender can be
// exercised on any platform (spec.md §9 "a reimplementation may... post a
// synthetic completion into an in-process queue").
type FakeRing struct {
	backend export.Backend
	buffers [][]byte

	mu     sync.Mutex
	cond   *sync.Cond
	cq     []Completion
	closed bool
}

// NewFake creates a fake ring backed by backend, using buffers as the IOT
// arena slices indexed by Entry.BufIndex.
func NewFake(backend export.Backend, buffers [][]byte) *FakeRing {
	r := &FakeRing{backend: backend, buffers: buffers}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Submit executes each entry immediately and appends its completion.
func (r *FakeRing) Submit(entries []Entry) error {
	if err := validateBatch(entries); err != nil {
		return err
	}

	for _, e := range entries {
		res := int32(0)
		switch e.Opcode {
		case OpReadFixed:
			if int(e.BufIndex) < len(r.buffers) {
				buf := r.buffers[e.BufIndex][:e.Length]
				if _, err := r.backend.ReadAt(buf, int64(e.Offset)); err != nil {
					res = -1
				}
			}
		case OpWriteFixed:
			if int(e.BufIndex) < len(r.buffers) {
				buf := r.buffers[e.BufIndex][:e.Length]
				if _, err := r.backend.WriteAt(buf, int64(e.Offset)); err != nil {
					res = -1
				}
			}
		case OpNop:
			// no-op: only exists to generate a completion
		}

		r.mu.Lock()
		r.cq = append(r.cq, Completion{UserData: e.UserData, Res: res})
		r.mu.Unlock()
		r.cond.Signal()
	}
	return nil
}

// WaitCompletion blocks until a completion is queued and returns it, FIFO
// order, or returns ErrClosed once Close has drained the queue.
func (r *FakeRing) WaitCompletion() (Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.cq) == 0 {
		if r.closed {
			return Completion{}, ErrClosed
		}
		r.cond.Wait()
	}
	c := r.cq[0]
	r.cq = r.cq[1:]
	return c, nil
}

// Close unblocks any goroutine parked in WaitCompletion, mirroring how
// tearing down a real io_uring instance unblocks io_uring_enter elsewhere.
func (r *FakeRing) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	return nil
}

var _ Ring = (*FakeRing)(nil)
