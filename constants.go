package nbd

import "github.com/VladikNeVladik/NBD-Server/internal/constants"

// Re-exported sizing parameters, for callers that want them without
// importing internal/constants directly.
const (
	BlockSize        = constants.BlockSize
	MaxIO            = constants.MaxIO
	MaxNBD           = constants.MaxNBD
	DefaultPort      = constants.NBDPort
	MaxRequestLength = constants.MaxRequestLength
)
