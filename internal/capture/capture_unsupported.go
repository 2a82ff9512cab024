//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package capture

import "golang.org/x/net/bpf"

// newPlatformEngine has no backend on this GOOS; New reports
// ErrPlatformNotSupported rather than silently no-op capturing.
func newPlatformEngine(cfg Config, filter []bpf.RawInstruction) (Engine, error) {
	return nil, ErrPlatformNotSupported
}
