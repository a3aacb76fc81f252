// Package receiver implements the Receiver task of the transmission-phase
// data path (spec.md §4.4): parses incoming NBD requests, slices them into
// block-sized I/O operations, and submits them through the SCR.
package receiver

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
	"github.com/VladikNeVladik/NBD-Server/internal/interfaces"
	"github.com/VladikNeVladik/NBD-Server/internal/iot"
	"github.com/VladikNeVladik/NBD-Server/internal/nrt"
	"github.com/VladikNeVladik/NBD-Server/internal/scr"
	"github.com/VladikNeVladik/NBD-Server/internal/wire"
)

// Reader is the minimal buffered-read surface the Receiver needs. Satisfied
// by *bufiox.DefaultReader.
type Reader interface {
	// Next returns exactly n bytes from the stream (spec.md §4.4 step 2).
	Next(n int) ([]byte, error)
	// ReadBinary reads exactly len(p) bytes into p (spec.md §4.4 step 5).
	ReadBinary(p []byte) (int, error)
	// Skip discards exactly n bytes (spec.md §4.4 step 4's payload drain).
	Skip(n int) error
}

// Receiver reads NBD requests off the socket, claims NRT/IOT cells, and
// submits sliced I/O through ring.
type Receiver struct {
	r        Reader
	iotTbl   *iot.Table
	nrtTbl   *nrt.Table
	ring     scr.Ring
	readOnly bool
	shutdown *atomic.Bool
	logger   interfaces.Logger
	observer interfaces.Observer
}

// New constructs a Receiver. shutdown is the single-writer (Receiver) /
// single-reader (Sender) soft-disconnect flag (spec.md §5).
func New(r Reader, iotTbl *iot.Table, nrtTbl *nrt.Table, ring scr.Ring, readOnly bool, shutdown *atomic.Bool, logger interfaces.Logger, observer interfaces.Observer) *Receiver {
	return &Receiver{
		r:        r,
		iotTbl:   iotTbl,
		nrtTbl:   nrtTbl,
		ring:     ring,
		readOnly: readOnly,
		shutdown: shutdown,
		logger:   logger,
		observer: observer,
	}
}

// Run drives the per-iteration protocol of spec.md §4.4 until a hard
// disconnect (returns a non-nil error), a soft disconnect (NBD_CMD_DISC,
// returns nil), or ctx is cancelled.
func (rc *Receiver) Run(ctx context.Context) error {
	for {
		cell, err := rc.nrtTbl.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("receiver: acquire NRT cell: %w", err)
		}

		hdr, err := rc.r.Next(wire.RequestHeaderSize)
		if err != nil {
			return fmt.Errorf("receiver: read request header: %w", err)
		}

		req, err := wire.ParseRequest(hdr)
		if err != nil {
			if rc.logger != nil {
				rc.logger.Printf("receiver: bad request magic, disconnecting")
			}
			return err
		}

		errCode := classify(req)
		if errCode != 0 {
			if rc.observer != nil {
				rc.observer.ObserveProtocolError()
			}
			if req.Type != wire.CmdRead && req.Length > 0 {
				if err := rc.r.Skip(int(req.Length)); err != nil {
					return fmt.Errorf("receiver: drain payload: %w", err)
				}
			}
		}

		var scratch []byte
		if errCode == 0 && req.Type == wire.CmdWrite {
			scratch = make([]byte, req.Length)
			if _, err := rc.r.ReadBinary(scratch); err != nil {
				return fmt.Errorf("receiver: read write payload: %w", err)
			}
		}

		rc.nrtTbl.Fill(cell, errCode, req.Type, req.Handle, req.Offset, req.Length)

		if req.Type == wire.CmdDisc {
			// Set before submitting, so the Sender already sees the flag
			// when it consumes the DISC request's completion.
			rc.shutdown.Store(true)
		}

		if err := rc.submit(ctx, cell, req, errCode, scratch); err != nil {
			return fmt.Errorf("receiver: submit: %w", err)
		}

		if req.Type == wire.CmdDisc {
			if rc.observer != nil {
				rc.observer.ObserveDisconnect()
			}
			return nil
		}
	}
}

// classify validates a parsed request against spec.md §4.4 step 4. The
// read-only export rule is applied separately, by rejectReadOnlyWrite.
func classify(req wire.Request) uint32 {
	if req.Flags != 0 {
		return wire.EInval
	}
	switch req.Type {
	case wire.CmdRead, wire.CmdWrite, wire.CmdDisc:
		return 0
	default:
		return wire.EInval
	}
}

func (rc *Receiver) rejectReadOnlyWrite(req wire.Request, errCode uint32) uint32 {
	if errCode == 0 && req.Type == wire.CmdWrite && rc.readOnly {
		return wire.EPerm
	}
	return errCode
}

// submit dispatches to the dummy-NOP path (error, DISC, or zero-length
// request) or the READ/WRITE slicing path (spec.md §4.4 "Slicing &
// submission").
func (rc *Receiver) submit(ctx context.Context, cell int, req wire.Request, errCode uint32, scratch []byte) error {
	rejected := rc.rejectReadOnlyWrite(req, errCode)
	if rejected != errCode {
		errCode = rejected
		rc.nrtTbl.SetError(cell, errCode)
	}

	if errCode != 0 || req.Type == wire.CmdDisc || req.Length == 0 {
		idx, err := rc.iotTbl.Acquire(ctx, cell)
		if err != nil {
			return err
		}
		rc.iotTbl.Fill(idx, scr.OpNop, 0, req.Length, errCode)
		rc.nrtTbl.SetPending(cell, 1)
		return rc.ring.Submit([]scr.Entry{{UserData: uint64(idx), Opcode: scr.OpNop}})
	}

	return rc.submitSliced(ctx, cell, req, scratch)
}

func (rc *Receiver) submitSliced(ctx context.Context, cell int, req wire.Request, scratch []byte) error {
	isWrite := req.Type == wire.CmdWrite
	slices := int((req.Length + constants.BlockSize - 1) / constants.BlockSize)

	enforceOrdering := rc.nrtTbl.Overlap(cell, req.Offset, req.Length, isWrite)
	pending := slices
	if enforceOrdering {
		pending++
	}
	rc.nrtTbl.SetPending(cell, pending)

	var batch []scr.Entry
	drainPending := enforceOrdering

	if drainPending {
		nopIdx, err := rc.iotTbl.Acquire(ctx, cell)
		if err != nil {
			return err
		}
		batch = append(batch, scr.Entry{UserData: uint64(nopIdx), Opcode: scr.OpNop, Drain: true})
		drainPending = false
	}

	opcode := scr.OpReadFixed
	if isWrite {
		opcode = scr.OpWriteFixed
	}

	remaining := req.Length
	for i := 0; i < slices; i++ {
		sliceOffset := req.Offset + uint64(i)*constants.BlockSize
		sliceLen := uint32(constants.BlockSize)
		if remaining < sliceLen {
			sliceLen = remaining
		}

		idx := rc.iotTbl.TryAcquire(cell)
		if idx == iot.None {
			if len(batch) > 0 {
				if err := rc.ring.Submit(batch); err != nil {
					return err
				}
				batch = nil
			}
			var err error
			idx, err = rc.iotTbl.Acquire(ctx, cell)
			if err != nil {
				return err
			}
		}

		if isWrite {
			buf := rc.iotTbl.Buffer(idx)
			copy(buf, scratch[uint32(i)*constants.BlockSize:uint32(i)*constants.BlockSize+sliceLen])
		}
		rc.iotTbl.Fill(idx, opcode, sliceOffset, sliceLen, 0)
		batch = append(batch, scr.Entry{
			UserData: uint64(idx),
			Opcode:   opcode,
			BufIndex: uint16(idx),
			Offset:   sliceOffset,
			Length:   sliceLen,
		})
		remaining -= sliceLen
	}

	if len(batch) > 0 {
		if err := rc.ring.Submit(batch); err != nil {
			return err
		}
	}
	return nil
}
