package scr

// Submission opcodes, matching the kernel's io_uring opcode space. NOP
// exists solely to generate a completion event for the Sender when no real
// I/O is needed (DISC, pre-validated protocol errors — spec.md §4.4).
const (
	OpNop        uint8 = 0
	OpReadFixed  uint8 = 4
	OpWriteFixed uint8 = 5
)

// SQE flag bits relevant to this server.
const (
	sqeFixedFile uint8 = 1 << 0 // IOSQE_FIXED_FILE
	sqeIODrain   uint8 = 1 << 1 // IOSQE_IO_DRAIN
)
