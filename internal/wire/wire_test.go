package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeWriter is a minimal ReplyWriter backed by a bytes.Buffer, used to
// assert on-the-wire byte layout without a real socket.
type fakeWriter struct {
	buf     bytes.Buffer
	pending []byte
}

func (f *fakeWriter) Malloc(n int) ([]byte, error) {
	f.pending = make([]byte, n)
	return f.pending, nil
}

func (f *fakeWriter) WriteBinary(p []byte) (int, error) {
	f.pending = append(f.pending, p...)
	return len(p), nil
}

func (f *fakeWriter) Flush() error {
	_, err := f.buf.Write(f.pending)
	f.pending = nil
	return err
}

func encodeRequest(buf []byte, r Request) {
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint16(buf[4:6], r.Flags)
	binary.BigEndian.PutUint16(buf[6:8], r.Type)
	binary.BigEndian.PutUint64(buf[8:16], r.Handle)
	binary.BigEndian.PutUint64(buf[16:24], r.Offset)
	binary.BigEndian.PutUint32(buf[24:28], r.Length)
}

func beU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func beU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func beU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func TestParseRequest_BadMagic(t *testing.T) {
	buf := make([]byte, RequestHeaderSize)
	buf[0] = 0xDE
	buf[1] = 0xAD
	buf[2] = 0xBE
	buf[3] = 0xEF
	_, err := ParseRequest(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestParseRequest_ShortHeader(t *testing.T) {
	_, err := ParseRequest(make([]byte, RequestHeaderSize-1))
	require.Error(t, err)
}

func TestParseRequest_RoundTrip(t *testing.T) {
	buf := make([]byte, RequestHeaderSize)
	encodeRequest(buf, Request{Magic: RequestMagic, Type: CmdRead, Handle: 1, Offset: 0x1000, Length: 4096})
	req, err := ParseRequest(buf)
	require.NoError(t, err)
	require.Equal(t, CmdRead, req.Type)
	require.Equal(t, uint64(1), req.Handle)
	require.Equal(t, uint64(0x1000), req.Offset)
	require.Equal(t, uint32(4096), req.Length)
}

func TestIsKnownType(t *testing.T) {
	require.True(t, IsKnownType(CmdRead))
	require.True(t, IsKnownType(CmdWrite))
	require.True(t, IsKnownType(CmdTrim))
	require.False(t, IsKnownType(0xBEEF))
}

// TestSimpleRead_8192Bytes mirrors spec.md §8's two-block structured read:
// two OFFSET_DATA chunks followed by a terminal DONE/NONE chunk.
func TestSimpleRead_8192Bytes(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 8192)
	w := &fakeWriter{}

	require.NoError(t, WriteOffsetData(w, 1, 0, data[0:4096], false))
	require.NoError(t, WriteOffsetData(w, 1, 0x1000, data[4096:8192], false))
	require.NoError(t, WriteDone(w, 1))

	out := w.buf.Bytes()
	chunkLen := StructuredReplyHeaderSize + 8 + 4096

	chunk1 := out[:chunkLen]
	require.Equal(t, StructuredReplyMagic, beU32(chunk1[0:4]))
	require.Equal(t, uint16(0), beU16(chunk1[4:6]))
	require.Equal(t, ChunkOffsetData, beU16(chunk1[6:8]))
	require.Equal(t, uint64(1), beU64(chunk1[8:16]))
	require.Equal(t, uint32(8+4096), beU32(chunk1[16:20]))
	require.Equal(t, uint64(0), beU64(chunk1[20:28]))

	rest := out[chunkLen:]
	chunk2 := rest[:chunkLen]
	require.Equal(t, uint64(0x1000), beU64(chunk2[20:28]))

	done := rest[chunkLen:]
	require.Equal(t, StructuredReplyHeaderSize, len(done))
	require.Equal(t, ReplyFlagDone, beU16(done[4:6]))
	require.Equal(t, ChunkNone, beU16(done[6:8]))
}

func TestZeroLengthRead_SingleDoneChunk(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, WriteDone(w, 9))
	require.Equal(t, StructuredReplyHeaderSize, w.buf.Len())
}

func TestUnsupportedType_ErrorThenDone(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, WriteErrorOffset(w, 7, EInval, 0, false))
	require.NoError(t, WriteDone(w, 7))

	out := w.buf.Bytes()
	errChunkLen := StructuredReplyHeaderSize + 4 + 2 + 8
	errChunk := out[:errChunkLen]
	require.Equal(t, ChunkErrorOffset, beU16(errChunk[6:8]))
	require.Equal(t, EInval, beU32(errChunk[20:24]))
	require.Equal(t, uint16(0), beU16(errChunk[24:26]))

	done := out[errChunkLen:]
	require.Equal(t, ReplyFlagDone, beU16(done[4:6]))
}

func TestSimpleReply_WithData(t *testing.T) {
	w := &fakeWriter{}
	data := []byte{1, 2, 3, 4}
	require.NoError(t, WriteSimpleReply(w, 0, 42, data))

	out := w.buf.Bytes()
	require.Equal(t, SimpleReplyMagic, beU32(out[0:4]))
	require.Equal(t, uint32(0), beU32(out[4:8]))
	require.Equal(t, uint64(42), beU64(out[8:16]))
	require.Equal(t, data, out[SimpleReplyHeaderSize:])
}
