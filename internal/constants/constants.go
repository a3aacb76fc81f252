// Package constants holds the fixed sizing and timing parameters of the
// transmission-phase data path.
package constants

import "time"

const (
	// BlockSize is the slicing granularity for IOT buffers (spec.md §3).
	BlockSize = 4096

	// MaxIO is the IOT cardinality. Must be a power of two and satisfy
	// MaxIO >= ceil(MaxRequestLength / BlockSize).
	MaxIO = 256

	// MaxNBD is the NRT cardinality. Must be a power of two.
	MaxNBD = 32

	// PreferredBlockSize is advertised to clients during negotiation.
	PreferredBlockSize = 4096

	// MinimumBlockSize is the smallest block size the server will accept
	// from a client during negotiation.
	MinimumBlockSize = 512

	// MaximumBlockSize is the largest single request the server advertises.
	MaximumBlockSize = 1 << 20

	// MaxRequestLength is the largest request length whose slices,
	// ceil(MaxRequestLength/BlockSize), all fit in the IOT at once. The
	// Receiver does not reject longer requests; it submits their slices in
	// batches as IOT cells free up.
	MaxRequestLength = MaxIO * BlockSize

	// NBDPort is the IANA-reserved port for the NBD protocol (spec.md §6).
	NBDPort = 10809
)

// Socket timeout/keepalive parameters (spec.md §5).
const (
	KeepaliveIdle     = 1 * time.Second
	KeepaliveInterval = 1 * time.Second
	KeepaliveProbes   = 4
	UserTimeout       = 5 * time.Second
)
