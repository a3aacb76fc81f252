//go:build !linux

package scr

import "fmt"

// New is only available on Linux, where io_uring exists. Non-Linux builds
// (development, CI on other platforms) use NewFake instead.
func New(cfg Config) (Ring, error) {
	return nil, fmt.Errorf("scr: io_uring is only available on linux")
}
