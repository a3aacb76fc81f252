//go:build !linux || !cgo

package scr

// sfence/mfence are no-ops on non-Linux or cgo-disabled builds, where the
// stub ring (not the real kernel ring) is in use and there is no shared
// memory to fence.
func sfence() {}
func mfence() {}
