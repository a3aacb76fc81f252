package wire

import (
	"encoding/binary"
)

// ReplyWriter is the minimal buffered-write surface the Sender needs.
// Satisfied by *bufiox.DefaultWriter.
type ReplyWriter interface {
	Malloc(n int) ([]byte, error)
	WriteBinary(p []byte) (int, error)
	Flush() error
}

// WriteOffsetData emits an OFFSET_DATA structured reply chunk: header,
// 8-byte offset, then the data bytes (spec.md §4.5/§6).
func WriteOffsetData(w ReplyWriter, handle uint64, offset uint64, data []byte, done bool) error {
	hdr, err := w.Malloc(StructuredReplyHeaderSize + 8)
	if err != nil {
		return err
	}
	putReplyHeader(hdr, flagsFor(done), ChunkOffsetData, handle, uint32(8+len(data)))
	binary.BigEndian.PutUint64(hdr[StructuredReplyHeaderSize:], offset)
	if _, err := w.WriteBinary(data); err != nil {
		return err
	}
	return w.Flush()
}

// WriteErrorOffset emits an ERROR_OFFSET structured reply chunk: header,
// 4-byte error, 2-byte (zero) message length, 8-byte offset.
func WriteErrorOffset(w ReplyWriter, handle uint64, nbdErr uint32, offset uint64, done bool) error {
	buf, err := w.Malloc(StructuredReplyHeaderSize + 4 + 2 + 8)
	if err != nil {
		return err
	}
	putReplyHeader(buf, flagsFor(done), ChunkErrorOffset, handle, 4+2+8)
	binary.BigEndian.PutUint32(buf[StructuredReplyHeaderSize:], nbdErr)
	binary.BigEndian.PutUint16(buf[StructuredReplyHeaderSize+4:], 0)
	binary.BigEndian.PutUint64(buf[StructuredReplyHeaderSize+6:], offset)
	return w.Flush()
}

// WriteDone emits the terminal NONE chunk carrying the DONE flag
// (spec.md §4.5 step 5).
func WriteDone(w ReplyWriter, handle uint64) error {
	buf, err := w.Malloc(StructuredReplyHeaderSize)
	if err != nil {
		return err
	}
	putReplyHeader(buf, ReplyFlagDone, ChunkNone, handle, 0)
	return w.Flush()
}

func flagsFor(done bool) uint16 {
	if done {
		return ReplyFlagDone
	}
	return 0
}

func putReplyHeader(buf []byte, flags, chunkType uint16, handle uint64, length uint32) {
	binary.BigEndian.PutUint32(buf[0:4], StructuredReplyMagic)
	binary.BigEndian.PutUint16(buf[4:6], flags)
	binary.BigEndian.PutUint16(buf[6:8], chunkType)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint32(buf[16:20], length)
}

// WriteSimpleReply emits the 16-byte simple-reply header, optionally
// followed by READ data, used when the client did not negotiate structured
// replies (spec.md §6).
func WriteSimpleReply(w ReplyWriter, nbdErr uint32, handle uint64, data []byte) error {
	buf, err := w.Malloc(SimpleReplyHeaderSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[0:4], SimpleReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], nbdErr)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	if len(data) > 0 {
		if _, err := w.WriteBinary(data); err != nil {
			return err
		}
	}
	return w.Flush()
}
