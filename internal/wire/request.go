package wire

import (
	"encoding/binary"
	"fmt"
)

// Request is a parsed NBD request header (spec.md §6).
type Request struct {
	Magic   uint32
	Flags   uint16
	Type    uint16
	Handle  uint64
	Offset  uint64
	Length  uint32
}

// ErrBadMagic is returned by ParseRequest when the header's magic does not
// match RequestMagic. Callers must treat this as a hard disconnect
// (spec.md §4.4 step 3).
var ErrBadMagic = fmt.Errorf("wire: bad request magic")

// ParseRequest decodes a 28-byte big-endian NBD request header.
func ParseRequest(buf []byte) (Request, error) {
	if len(buf) < RequestHeaderSize {
		return Request{}, fmt.Errorf("wire: short request header: %d bytes", len(buf))
	}

	r := Request{
		Magic:  binary.BigEndian.Uint32(buf[0:4]),
		Flags:  binary.BigEndian.Uint16(buf[4:6]),
		Type:   binary.BigEndian.Uint16(buf[6:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Length: binary.BigEndian.Uint32(buf[24:28]),
	}
	if r.Magic != RequestMagic {
		return r, ErrBadMagic
	}
	return r, nil
}

// IsKnownType reports whether t is one of the command types defined in this
// package (READ, WRITE, DISC, FLUSH, TRIM). The Receiver accepts only READ,
// WRITE and DISC and answers the others with EINVAL (spec.md §4.4 step 4).
func IsKnownType(t uint16) bool {
	switch t {
	case CmdRead, CmdWrite, CmdDisc, CmdFlush, CmdTrim:
		return true
	default:
		return false
	}
}
