// Package wire implements the NBD fixed-newstyle wire protocol framing:
// request headers, structured reply chunks, and the simple-reply fallback
// (spec.md §6).
package wire

// Command types carried in a request header's Type field.
const (
	CmdRead  uint16 = 0
	CmdWrite uint16 = 1
	CmdDisc  uint16 = 2
	CmdFlush uint16 = 3
	CmdTrim  uint16 = 4
)

// Magic values (spec.md §6).
const (
	RequestMagic        uint32 = 0x25609513
	StructuredReplyMagic uint32 = 0x668e33ef
	SimpleReplyMagic     uint32 = 0x67446698
)

// Structured reply chunk types.
const (
	ChunkNone        uint16 = 0x0000
	ChunkOffsetData  uint16 = 0x0001
	ChunkErrorOffset uint16 = 0x8002
)

// Structured reply flags.
const (
	ReplyFlagDone uint16 = 1 << 0
)

// NBD error codes (values match the protocol's wire encoding).
const (
	EInval uint32 = 22
	EPerm  uint32 = 1
	EIO    uint32 = 5
)

// RequestHeaderSize is the fixed size of an NBD request header on the wire.
const RequestHeaderSize = 28

// StructuredReplyHeaderSize is the fixed size of a structured reply chunk
// header on the wire.
const StructuredReplyHeaderSize = 20

// SimpleReplyHeaderSize is the fixed size of a simple reply header.
const SimpleReplyHeaderSize = 16
