// Package capture implements the §4.E Capture Engine: it drains a kernel
// filter (BPF-style device or AF_PACKET raw socket) and hands each frame to
// the rest of the pipeline with a high-resolution arrival timestamp stamped
// at emission, not at buffer-read completion.
//
// Platform-specific backends live in capture_linux.go (AF_PACKET raw
// socket), capture_bsd.go (BPF device, BSD/macOS) and capture_unsupported.go
// (build-tag fallback), mirroring how the teacher splits syscall-level
// networking code across GOOS-suffixed files (see
// tools/twamp/pkg/udp/kernel_linux.go / kernel_stub.go).
package capture

import (
	"errors"
	"log/slog"

	"golang.org/x/net/bpf"

	"github.com/malbeclabs/linkbench/internal/bpffilter"
	"github.com/malbeclabs/linkbench/internal/clock"
)

// ErrPlatformNotSupported is returned by New on a GOOS with no capture
// backend implemented.
var ErrPlatformNotSupported = errors.New("capture: unsupported platform")

// errClosed is returned by a backend's Drain once the engine has been
// closed. Callers of Drain receive it like any other non-nil Drain error.
var errClosed = errors.New("capture: closed")

// MaxFrameLen bounds a captured frame's raw byte sequence (§3).
const MaxFrameLen = 65535

// CapturedFrame is one link-layer frame handed from the capture engine to
// the bounded queue. It owns its bytes; a worker consumes it exactly once
// and it is discarded after metric recording (§3).
type CapturedFrame struct {
	// ArrivalNS is the monotonic timestamp taken at the moment this frame
	// was emitted from the capture engine (§4.E point 2).
	ArrivalNS int64
	// Data is the (possibly truncated) captured bytes.
	Data []byte
	// Truncated is true when len(Data) < original wire length because the
	// frame exceeded the caller's buffer.
	Truncated bool
}

// Config configures a capture Engine. Interface and Logger are common to
// every backend; BufferSize and Promiscuous are primarily meaningful to the
// BPF-device backend, but are accepted uniformly so callers don't need to
// branch on platform.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// Interface is the name of the interface to capture from.
	Interface string
	// Promiscuous enables promiscuous mode where the backend supports it.
	Promiscuous bool
	// BufferSize is the kernel read buffer size. Zero selects the backend
	// default (128 KiB for the BPF-device backend; unused by AF_PACKET).
	BufferSize int
	// AttachICMPFilter installs the §4.D classifier so only ICMP/ICMPv6
	// frames are delivered. When false, all frames pass.
	AttachICMPFilter bool
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 128 * 1024
	}
}

// Engine drains one kernel buffer read at a time and emits each embedded
// frame through emit, in arrival order, stamping each frame's arrival
// timestamp at the moment it is handed to emit.
//
// Drain returns a nil error on a "no packet this call" outcome (EAGAIN,
// EINTR, a zero-byte read) without invoking emit — that is not a failure,
// and the caller should retry (after a short sleep, at the controller's
// discretion). A non-nil error means a persistent failure; the controller
// must end the current run.
type Engine interface {
	Drain(emit func(CapturedFrame)) error
	Close() error
}

// New constructs the platform-appropriate capture engine for cfg.Interface.
func New(cfg Config) (Engine, error) {
	cfg.setDefaults()
	var filterProg []bpf.RawInstruction
	if cfg.AttachICMPFilter {
		raw, err := bpffilter.Assemble()
		if err != nil {
			return nil, err
		}
		filterProg = raw
	}
	return newPlatformEngine(cfg, filterProg)
}
