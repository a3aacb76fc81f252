// Package negotiate implements the NBD fixed-newstyle handshake and option
// haggling phase that precedes the transmission-phase data path
// (spec.md §6, "external collaborator" now implemented).
package negotiate

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/VladikNeVladik/NBD-Server/export"
)

// Handshake magics and flags (spec.md §6).
const (
	initPasswd  = "NBDMAGIC"
	ihaveoptStr = "IHAVEOPT"

	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1

	clientFlagFixedNewstyle uint32 = 1 << 0
)

// Option codes the client may send during haggling.
const (
	optExportName     uint32 = 1
	optAbort          uint32 = 2
	optList           uint32 = 3
	optStructuredReply uint32 = 8
	optGo             uint32 = 7
	optInfo           uint32 = 6
)

// Option reply types.
const (
	repAck         uint32 = 1
	repServer      uint32 = 2
	repInfo        uint32 = 3
	repErrUnsup    uint32 = 1<<31 + 1
	repErrUnknown  uint32 = 1<<31 + 6
)

const optionReplyMagic uint64 = 0x3e889045565a9

// transmission flags sent in NBD_OPT_GO / NBD_OPT_EXPORT_NAME replies.
const (
	transmitFlagHasFlags  uint16 = 1 << 0
	transmitFlagSendFlush uint16 = 1 << 2
	transmitFlagSendTrim  uint16 = 1 << 5
	transmitFlagReadOnly  uint16 = 1 << 1
)

// Result is the outcome of a successful negotiation: whether the client
// requested structured replies.
type Result struct {
	StructuredReply bool
}

// ErrAbort is returned when the client sends NBD_OPT_ABORT.
var ErrAbort = fmt.Errorf("negotiate: client sent NBD_OPT_ABORT")

// Negotiate drives the fixed-newstyle handshake and option loop on rw,
// advertising a single export (spec.md's Non-goals: one client, one
// export). It returns once the client has sent NBD_OPT_GO or
// NBD_OPT_EXPORT_NAME, handing control to the transmission-phase core.
func Negotiate(rw io.ReadWriter, exportName string, exp *export.Export) (Result, error) {
	if err := sendServerHello(rw); err != nil {
		return Result{}, err
	}

	clientFlags, err := readUint32(rw)
	if err != nil {
		return Result{}, fmt.Errorf("negotiate: read client flags: %w", err)
	}
	if clientFlags&clientFlagFixedNewstyle == 0 {
		return Result{}, fmt.Errorf("negotiate: client did not set NBD_FLAG_C_FIXED_NEWSTYLE")
	}

	var res Result
	for {
		opt, payload, err := readOption(rw)
		if err != nil {
			return Result{}, err
		}

		switch opt {
		case optAbort:
			return Result{}, ErrAbort

		case optList:
			if err := writeOptionReply(rw, optList, repServer, exportNameReply(exportName)); err != nil {
				return Result{}, err
			}
			if err := writeOptionReply(rw, optList, repAck, nil); err != nil {
				return Result{}, err
			}

		case optStructuredReply:
			res.StructuredReply = true
			if err := writeOptionReply(rw, opt, repAck, nil); err != nil {
				return Result{}, err
			}

		case optExportName:
			if string(payload) != exportName {
				return Result{}, fmt.Errorf("negotiate: unknown export %q", payload)
			}
			if err := sendExportNameReply(rw, exp); err != nil {
				return Result{}, err
			}
			return res, nil

		case optInfo, optGo:
			name, err := parseExportNameFromInfo(payload)
			if err != nil {
				return Result{}, err
			}
			if name != exportName {
				if err := writeOptionReply(rw, opt, repErrUnknown, nil); err != nil {
					return Result{}, err
				}
				continue
			}
			if err := sendInfoReply(rw, opt, exp); err != nil {
				return Result{}, err
			}
			if opt == optGo {
				return res, nil
			}

		default:
			if err := writeOptionReply(rw, opt, repErrUnsup, nil); err != nil {
				return Result{}, err
			}
		}
	}
}

func sendServerHello(w io.Writer) error {
	buf := make([]byte, 8+8+2)
	copy(buf[0:8], initPasswd)
	copy(buf[8:16], ihaveoptStr)
	binary.BigEndian.PutUint16(buf[16:18], flagFixedNewstyle|flagNoZeroes)
	_, err := w.Write(buf)
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// readOption reads one {magic(64), option(32), length(32), data} option
// record from the client.
func readOption(r io.Reader) (uint32, []byte, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("negotiate: read option header: %w", err)
	}
	const clientOptionMagic uint64 = 0x49484156454f5054 // "IHAVEOPT"
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != clientOptionMagic {
		return 0, nil, fmt.Errorf("negotiate: bad option magic")
	}
	opt := binary.BigEndian.Uint32(hdr[8:12])
	length := binary.BigEndian.Uint32(hdr[12:16])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("negotiate: read option payload: %w", err)
		}
	}
	return opt, payload, nil
}

func writeOptionReply(w io.Writer, opt, replyType uint32, data []byte) error {
	buf := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(buf[0:8], optionReplyMagic)
	binary.BigEndian.PutUint32(buf[8:12], opt)
	binary.BigEndian.PutUint32(buf[12:16], replyType)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(data)))
	copy(buf[20:], data)
	_, err := w.Write(buf)
	return err
}

func exportNameReply(name string) []byte {
	buf := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:], name)
	return buf
}

func parseExportNameFromInfo(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("negotiate: short NBD_OPT_INFO/GO payload")
	}
	nameLen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < 2+int(nameLen) {
		return "", fmt.Errorf("negotiate: truncated export name")
	}
	return string(payload[2 : 2+nameLen]), nil
}

// sendExportNameReply sends the legacy (non-NEWSTYLE-info) NBD_OPT_EXPORT_NAME
// reply: 64-bit size and 16-bit transmission flags. The 124 bytes of zero
// padding are never sent, whatever flags the client set.
func sendExportNameReply(w io.Writer, exp *export.Export) error {
	buf := make([]byte, 8+2)
	binary.BigEndian.PutUint64(buf[0:8], exp.Size())
	binary.BigEndian.PutUint16(buf[8:10], transmitFlags(exp))
	_, err := w.Write(buf)
	return err
}

func transmitFlags(exp *export.Export) uint16 {
	flags := transmitFlagHasFlags | transmitFlagSendFlush | transmitFlagSendTrim
	if exp.ReadOnly() {
		flags |= transmitFlagReadOnly
	}
	return flags
}

// sendInfoReply sends the NBD_INFO_EXPORT block (type 0) and the
// NBD_INFO_BLOCK_SIZE block (type 3), followed by an ack, for both
// NBD_OPT_INFO and NBD_OPT_GO (spec.md supplemented feature D.6).
func sendInfoReply(w io.Writer, opt uint32, exp *export.Export) error {
	const infoExport uint16 = 0
	const infoBlockSize uint16 = 3

	exportInfo := make([]byte, 2+8+2)
	binary.BigEndian.PutUint16(exportInfo[0:2], infoExport)
	binary.BigEndian.PutUint64(exportInfo[2:10], exp.Size())
	binary.BigEndian.PutUint16(exportInfo[10:12], transmitFlags(exp))
	if err := writeOptionReply(w, opt, repInfo, exportInfo); err != nil {
		return err
	}

	blockInfo := make([]byte, 2+4+4+4)
	binary.BigEndian.PutUint16(blockInfo[0:2], infoBlockSize)
	binary.BigEndian.PutUint32(blockInfo[2:6], exp.MinimumBlockSize())
	binary.BigEndian.PutUint32(blockInfo[6:10], exp.PreferredBlockSize())
	binary.BigEndian.PutUint32(blockInfo[10:14], exp.MaximumBlockSize())
	if err := writeOptionReply(w, opt, repInfo, blockInfo); err != nil {
		return err
	}

	return writeOptionReply(w, opt, repAck, nil)
}
