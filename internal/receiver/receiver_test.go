package receiver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VladikNeVladik/NBD-Server/export"
	"github.com/VladikNeVladik/NBD-Server/internal/constants"
	"github.com/VladikNeVladik/NBD-Server/internal/iot"
	"github.com/VladikNeVladik/NBD-Server/internal/nrt"
	"github.com/VladikNeVladik/NBD-Server/internal/scr"
	"github.com/VladikNeVladik/NBD-Server/internal/wire"
)

// fakeReader is a minimal Reader backed by a bytes.Buffer, mirroring
// internal/sender's fakeWriter test double.
type fakeReader struct {
	buf bytes.Buffer
}

func (f *fakeReader) Next(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(&f.buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fakeReader) ReadBinary(p []byte) (int, error) {
	return io.ReadFull(&f.buf, p)
}

func (f *fakeReader) Skip(n int) error {
	_, err := io.CopyN(io.Discard, &f.buf, int64(n))
	return err
}

// writeRequest appends one 28-byte NBD request header, followed by payload
// if given, to r's buffer.
func writeRequest(r *fakeReader, cmdType uint16, handle uint64, offset uint64, length uint32, payload []byte) {
	hdr := make([]byte, wire.RequestHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], wire.RequestMagic)
	binary.BigEndian.PutUint16(hdr[4:6], 0)
	binary.BigEndian.PutUint16(hdr[6:8], cmdType)
	binary.BigEndian.PutUint64(hdr[8:16], handle)
	binary.BigEndian.PutUint64(hdr[16:24], offset)
	binary.BigEndian.PutUint32(hdr[24:28], length)
	r.buf.Write(hdr)
	r.buf.Write(payload)
}

// harness wires an iot.Table, nrt.Table and FakeRing together the same way
// a live session does, minus the Sender: tests inspect NRT/IOT state
// directly instead of draining replies.
type harness struct {
	iotTbl  *iot.Table
	nrtTbl  *nrt.Table
	ring    *scr.FakeRing
	backend *export.Memory
}

func newHarness() *harness {
	iotTbl := iot.New()
	backend := export.NewMemory(1 << 20)
	return &harness{
		iotTbl:  iotTbl,
		nrtTbl:  nrt.New(),
		ring:    scr.NewFake(backend, iotTbl.Buffers()),
		backend: backend,
	}
}

func newReceiver(h *harness, readOnly bool, r *fakeReader) *Receiver {
	return New(r, h.iotTbl, h.nrtTbl, h.ring, readOnly, &atomic.Bool{}, nil, nil)
}

// TestReceiver_ReadOnlyWriteRejectedWithEPerm covers SPEC_FULL.md §E /
// DESIGN.md's read-only-export open question: a WRITE against a read-only
// export must be rejected with NBD_EPERM, and that error must end up on the
// NRT entry (where the Sender's finalize reads it), not just the dummy
// IOT entry.
func TestReceiver_ReadOnlyWriteRejectedWithEPerm(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	payload := bytes.Repeat([]byte{0x55}, constants.BlockSize)
	writeRequest(r, wire.CmdWrite, 42, 0, constants.BlockSize, payload)

	rc := newReceiver(h, true, r)

	err := rc.Run(context.Background())
	require.Error(t, err) // the fake reader runs dry after one request

	entry := h.nrtTbl.Get(0)
	require.Equal(t, wire.EPerm, entry.Error)
	require.Equal(t, wire.CmdWrite, entry.Type)
	require.Equal(t, uint64(42), entry.Handle)
	require.Equal(t, 1, entry.IOReqsPending)

	// The payload must still have been drained off the wire so framing
	// stays aligned for (a hypothetical) next request, even though the
	// write itself was rejected.
	require.Equal(t, 0, r.buf.Len())
}

// TestReceiver_ReadWriteAllowedWhenNotReadOnly is the control case: the
// same WRITE against a writable export carries no error.
func TestReceiver_ReadWriteAllowedWhenNotReadOnly(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	payload := bytes.Repeat([]byte{0x77}, constants.BlockSize)
	writeRequest(r, wire.CmdWrite, 7, 0, constants.BlockSize, payload)

	rc := newReceiver(h, false, r)

	err := rc.Run(context.Background())
	require.Error(t, err) // fake reader runs dry

	entry := h.nrtTbl.Get(0)
	require.Equal(t, uint32(0), entry.Error)
	require.Equal(t, wire.CmdWrite, entry.Type)
	require.Equal(t, 1, entry.IOReqsPending)

	written := make([]byte, constants.BlockSize)
	_, err = h.backend.ReadAt(written, 0)
	require.NoError(t, err)
	require.Equal(t, byte(0x77), written[0])
}

// TestReceiver_ReadSlicesAcrossBlockBoundary exercises spec.md §4.4's
// slicer: a read spanning two 4096-byte blocks must set io_reqs_pending to
// the slice count and submit one IOT entry per slice.
func TestReceiver_ReadSlicesAcrossBlockBoundary(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	length := uint32(2 * constants.BlockSize)
	writeRequest(r, wire.CmdRead, 9, 0, length, nil)

	rc := newReceiver(h, false, r)

	err := rc.Run(context.Background())
	require.Error(t, err)

	entry := h.nrtTbl.Get(0)
	require.Equal(t, uint32(0), entry.Error)
	require.Equal(t, 2, entry.IOReqsPending)
	require.Equal(t, 2, h.iotTbl.InUse())
}

// TestReceiver_OverlappingWriteThenReadInsertsDrainBarrier covers spec.md
// §4.3/§4.4's ordering guarantee: a READ submitted while an overlapping
// WRITE is still live must claim one extra IOT cell for a drain-flagged NOP.
func TestReceiver_OverlappingWriteThenReadInsertsDrainBarrier(t *testing.T) {
	h := newHarness()

	// Manually occupy an NRT cell as an in-flight overlapping WRITE, the
	// way the Receiver would have left it mid-flight.
	writeCell, err := h.nrtTbl.Acquire(context.Background())
	require.NoError(t, err)
	h.nrtTbl.Fill(writeCell, 0, wire.CmdWrite, 1, 0, constants.BlockSize)
	h.nrtTbl.SetPending(writeCell, 1)

	r := &fakeReader{}
	writeRequest(r, wire.CmdRead, 2, 0, constants.BlockSize, nil)
	rc := newReceiver(h, false, r)

	err = rc.Run(context.Background())
	require.Error(t, err) // fake reader runs dry

	readCell := 1 // writeCell took 0, the Receiver's Acquire took the next free slot
	entry := h.nrtTbl.Get(readCell)
	require.Equal(t, 2, entry.IOReqsPending) // 1 data slice + 1 drain NOP
	require.Equal(t, 2, h.iotTbl.InUse())     // drain NOP + the read's one data slice
}

// TestReceiver_ZeroLengthReadNeedsNoSlicing covers spec.md §8's boundary
// behavior: length = 0 submits a single dummy NOP, no data slices.
func TestReceiver_ZeroLengthReadNeedsNoSlicing(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	writeRequest(r, wire.CmdRead, 99, 0, 0, nil)
	rc := newReceiver(h, false, r)

	err := rc.Run(context.Background())
	require.Error(t, err)

	entry := h.nrtTbl.Get(0)
	require.Equal(t, uint32(0), entry.Error)
	require.Equal(t, 1, entry.IOReqsPending)
	require.Equal(t, 1, h.iotTbl.InUse())
}

// TestReceiver_UnsupportedTypeDrainsPayloadAndErrors covers spec.md §8
// scenario 6: an unsupported type with a payload must still have that
// payload drained so framing stays aligned, and the NRT entry must carry
// NBD_EINVAL.
func TestReceiver_UnsupportedTypeDrainsPayloadAndErrors(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	writeRequest(r, wire.CmdFlush, 7, 0, 3, []byte{0x01, 0x02, 0x03})
	rc := newReceiver(h, false, r)

	err := rc.Run(context.Background())
	require.Error(t, err)

	entry := h.nrtTbl.Get(0)
	require.Equal(t, wire.EInval, entry.Error)
	require.Equal(t, 0, r.buf.Len())
}

// TestReceiver_BadMagicIsHardDisconnect covers spec.md §8 scenario 2.
func TestReceiver_BadMagicIsHardDisconnect(t *testing.T) {
	h := newHarness()
	r := &fakeReader{}
	hdr := make([]byte, wire.RequestHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], 0xDEADBEEF)
	r.buf.Write(hdr)
	rc := newReceiver(h, false, r)

	err := rc.Run(context.Background())
	require.ErrorIs(t, err, wire.ErrBadMagic)
}
