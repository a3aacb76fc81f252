//go:build linux

package scr

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"
)

// kernelRing is the production SCR backend: a real io_uring instance with
// the export file descriptor registered as fixed file 0 and the IOT arena
// registered as fixed buffers, one per ring entry (spec.md §4.1 "Setup").
type kernelRing struct {
	ring *giouring.Ring
}

// New creates the production ring for cfg. Entries must be a power of two
// and equal the IOT's MAX_IO (constants.MaxIO), so the semaphore-gated IOT
// can never submit more entries than the ring has room for.
func New(cfg Config) (Ring, error) {
	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("scr: io_uring_setup: %w", err)
	}

	if err := ring.RegisterFiles([]int{int(cfg.ExportFD)}); err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("scr: register export fd as fixed file: %w", err)
	}

	if len(cfg.Buffers) > 0 {
		if err := ring.RegisterBuffers(cfg.Buffers); err != nil {
			ring.QueueExit()
			return nil, fmt.Errorf("scr: register IOT arena as fixed buffers: %w", err)
		}
	}

	return &kernelRing{ring: ring}, nil
}

// Submit fills one SQE per entry and publishes the batch with a single
// io_uring_enter call (spec.md §4.1 "Submission contract").
func (r *kernelRing) Submit(entries []Entry) error {
	if err := validateBatch(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	for i, e := range entries {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			return ErrRingFull
		}

		flags := sqeFixedFile
		if i == 0 && e.Drain {
			flags |= sqeIODrain
		}

		switch e.Opcode {
		case OpReadFixed:
			sqe.PrepReadFixed(0, 0, uint32(e.Length), e.Offset, int(e.BufIndex))
		case OpWriteFixed:
			sqe.PrepWriteFixed(0, 0, uint32(e.Length), e.Offset, int(e.BufIndex))
		default:
			sqe.PrepNop()
		}
		sqe.Flags |= flags
		sqe.UserData = e.UserData
	}

	sfence()

	submitted, err := r.ring.Submit()
	if err != nil {
		return fmt.Errorf("scr: io_uring_enter: %w", err)
	}
	if int(submitted) != len(entries) {
		return fmt.Errorf("scr: kernel submitted %d of %d entries", submitted, len(entries))
	}
	return nil
}

// WaitCompletion blocks for at least one CQE and reaps it (spec.md §4.1
// "Completion contract").
func (r *kernelRing) WaitCompletion() (Completion, error) {
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return Completion{}, fmt.Errorf("scr: io_uring_enter (wait): %w", err)
	}

	mfence()

	c := Completion{UserData: cqe.UserData, Res: cqe.Res}
	r.ring.CQESeen(cqe)
	return c, nil
}

// Close tears down the ring's mapped memory and kernel file descriptor.
func (r *kernelRing) Close() error {
	r.ring.QueueExit()
	return nil
}
