// Package sender implements the Sender task of the transmission-phase data
// path (spec.md §4.5): reaps SCR completions, emits structured (or simple)
// reply fragments, finalises requests, and detects soft-disconnect.
package sender

import (
	"sync/atomic"

	"github.com/VladikNeVladik/NBD-Server/internal/interfaces"
	"github.com/VladikNeVladik/NBD-Server/internal/iot"
	"github.com/VladikNeVladik/NBD-Server/internal/nrt"
	"github.com/VladikNeVladik/NBD-Server/internal/scr"
	"github.com/VladikNeVladik/NBD-Server/internal/wire"
)

// Sender drains ring completions and writes replies through w.
type Sender struct {
	w               wire.ReplyWriter
	iotTbl          *iot.Table
	nrtTbl          *nrt.Table
	ring            scr.Ring
	structuredReply bool
	shutdown        *atomic.Bool
	logger          interfaces.Logger
	observer        interfaces.Observer

	// simpleBuffers accumulates READ data per in-flight NBD handle when the
	// session did not negotiate structured replies (spec.md §6 "Simple
	// reply"), since that path needs the whole request's data in one
	// message instead of one chunk per slice. Sender-goroutine-only: no
	// locking needed.
	simpleBuffers map[uint64][]byte
}

// New constructs a Sender. structuredReply selects the reply framing
// negotiated during the handshake (spec.md §6).
func New(w wire.ReplyWriter, iotTbl *iot.Table, nrtTbl *nrt.Table, ring scr.Ring, structuredReply bool, shutdown *atomic.Bool, logger interfaces.Logger, observer interfaces.Observer) *Sender {
	return &Sender{
		w:               w,
		iotTbl:          iotTbl,
		nrtTbl:          nrtTbl,
		ring:            ring,
		structuredReply: structuredReply,
		shutdown:        shutdown,
		logger:          logger,
		observer:        observer,
		simpleBuffers:   make(map[uint64][]byte),
	}
}

// Run drains completions until shutdown is set and the NRT has drained
// (spec.md §4.5 step 6), or a transport error occurs.
func (s *Sender) Run() error {
	for {
		c, err := s.ring.WaitCompletion()
		if err != nil {
			return err
		}

		idx := int(c.UserData)
		if c.Res < 0 {
			s.iotTbl.SetError(idx, wire.EIO)
		}
		ioEntry := s.iotTbl.Get(idx)
		mother := s.nrtTbl.Get(ioEntry.Mother)

		if err := s.emit(idx, mother, ioEntry); err != nil {
			return err
		}

		s.iotTbl.Release(idx)
		remaining := s.nrtTbl.DecrementPending(ioEntry.Mother)

		if remaining == 0 {
			if err := s.finalize(mother); err != nil {
				return err
			}
			s.nrtTbl.Release(ioEntry.Mother)
		}

		if s.shutdown.Load() && s.nrtTbl.Idle() {
			return nil
		}
	}
}

// emit writes the per-slice reply fragment for one completed IOT entry
// (spec.md §4.5 step 3). idx is the IOT slot index, which doubles as its
// registered buffer index (spec.md §9 "cell index as identity").
func (s *Sender) emit(idx int, mother nrt.Entry, ioEntry iot.Entry) error {
	switch ioEntry.Opcode {
	case scr.OpNop:
		return nil // DISC, pre-validated error, or zero-length dummy: no chunk

	case scr.OpReadFixed:
		if s.observer != nil {
			s.observer.ObserveRead(uint64(ioEntry.Length), 0, ioEntry.Error == 0)
		}
		if !s.structuredReply {
			s.accumulateSimpleRead(idx, mother, ioEntry)
			return nil
		}
		if ioEntry.Error != 0 {
			return wire.WriteErrorOffset(s.w, mother.Handle, ioEntry.Error, ioEntry.Offset, false)
		}
		buf := s.iotTbl.Buffer(idx)[:ioEntry.Length]
		return wire.WriteOffsetData(s.w, mother.Handle, ioEntry.Offset, buf, false)

	case scr.OpWriteFixed:
		if s.observer != nil {
			s.observer.ObserveWrite(uint64(ioEntry.Length), 0, ioEntry.Error == 0)
		}
		return nil // spec.md §4.5 step 3: no per-slice chunk for WRITE
	}
	return nil
}

func (s *Sender) accumulateSimpleRead(idx int, mother nrt.Entry, ioEntry iot.Entry) {
	buf := s.simpleBuffers[mother.Handle]
	if buf == nil {
		buf = make([]byte, mother.Length)
		s.simpleBuffers[mother.Handle] = buf
	}
	if ioEntry.Error == 0 {
		src := s.iotTbl.Buffer(idx)[:ioEntry.Length]
		relOffset := ioEntry.Offset - mother.Offset
		copy(buf[relOffset:relOffset+uint64(ioEntry.Length)], src)
	}
}

// finalize emits the terminal reply for an NRT cell once its last child I/O
// has completed (spec.md §4.5 steps 4-5). NBD_CMD_DISC gets no reply at all
// (spec.md §8 scenario 3): the client already knows it asked to disconnect.
func (s *Sender) finalize(mother nrt.Entry) error {
	if mother.Type == wire.CmdDisc {
		return nil
	}

	if s.structuredReply {
		// A protocol error (e.g. unsupported type) never reached emit() as a
		// per-slice chunk, since it rides the OpNop dummy path; it surfaces
		// here as a standalone ERROR chunk before DONE (spec.md §8 scenario 6).
		if mother.Error != 0 {
			if err := wire.WriteErrorOffset(s.w, mother.Handle, mother.Error, mother.Offset, false); err != nil {
				return err
			}
		}
		return wire.WriteDone(s.w, mother.Handle)
	}

	defer delete(s.simpleBuffers, mother.Handle)

	if mother.Type == wire.CmdRead && mother.Error == 0 {
		return wire.WriteSimpleReply(s.w, 0, mother.Handle, s.simpleBuffers[mother.Handle])
	}
	return wire.WriteSimpleReply(s.w, mother.Error, mother.Handle, nil)
}
