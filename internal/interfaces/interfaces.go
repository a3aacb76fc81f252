// Package interfaces provides internal interface definitions shared across
// the server's components, kept separate from the root package to avoid
// import cycles between the root package and internal packages.
package interfaces

// Logger is the minimal logging surface every component depends on,
// implemented by internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is the metrics-collection surface the Sender drives on its hot
// path. Implementations must be thread-safe.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDisconnect()
	ObserveProtocolError()
}
