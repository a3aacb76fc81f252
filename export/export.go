// Package export opens and describes the backing file an NBD server
// exposes to its client (spec.md §3, §6 item "export opening").
package export

import (
	"fmt"
	"os"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
)

// Export is the opaque handle to the backing file: an OS file descriptor,
// its declared size, and the block-size triad advertised during
// negotiation (spec.md §3).
type Export struct {
	file     *os.File
	size     uint64
	readOnly bool
}

// Open opens path as the backing file for an export. readOnly selects
// O_RDONLY over O_RDWR; the resolved size comes from fstat, not from any
// caller-supplied value (spec.md §9: no dynamic export resizing, so the
// size observed at Open time is authoritative for the session).
func Open(path string, readOnly bool) (*Export, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: stat %s: %w", path, err)
	}

	return &Export{
		file:     f,
		size:     uint64(info.Size()),
		readOnly: readOnly,
	}, nil
}

// Fd returns the underlying OS file descriptor, used by the SCR to
// register the export as a fixed file at index 0 (spec.md §4.1).
func (e *Export) Fd() uintptr {
	return e.file.Fd()
}

// Size is the export's declared size in bytes.
func (e *Export) Size() uint64 {
	return e.size
}

// ReadOnly reports whether WRITE requests must be rejected with EPERM
// (spec.md §9 open-question resolution).
func (e *Export) ReadOnly() bool {
	return e.readOnly
}

// PreferredBlockSize is advertised to clients during INFO/GO negotiation.
func (e *Export) PreferredBlockSize() uint32 {
	return constants.PreferredBlockSize
}

// MinimumBlockSize is the smallest block size the server accepts.
func (e *Export) MinimumBlockSize() uint32 {
	return constants.MinimumBlockSize
}

// MaximumBlockSize is the largest single request the server advertises.
func (e *Export) MaximumBlockSize() uint32 {
	return constants.MaximumBlockSize
}

// Close closes the underlying file descriptor. The SCR must have already
// been torn down (it holds a fixed-file registration referencing this fd).
func (e *Export) Close() error {
	return e.file.Close()
}
