//go:build darwin || freebsd || netbsd || openbsd

package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/linkbench/internal/clock"
)

// bpfWordAlign rounds n up to the platform's BPF word alignment, used to
// step between consecutive bpf_hdr-prefixed records inside one read buffer
// (bpf(4): "the packet is padded out to this width").
const bpfWordAlign = 4

func wordAlign(n int) int {
	return (n + bpfWordAlign - 1) &^ (bpfWordAlign - 1)
}

// bsdEngine reads from a cloned /dev/bpf device. Unlike AF_PACKET, one read
// can return several frames back to back, each prefixed by a bpf_hdr; Drain
// walks that buffer and emits every embedded frame before issuing its next
// read, matching the teacher's "drain everything queued, then block again"
// poll shape (tools/uping/pkg/uping/listener.go).
type bsdEngine struct {
	log   *slog.Logger
	clock clock.Clock

	f   *os.File
	buf []byte
}

func newPlatformEngine(cfg Config, filter []bpf.RawInstruction) (Engine, error) {
	f, err := openClonedBPFDevice()
	if err != nil {
		return nil, fmt.Errorf("capture: open bpf device: %w", err)
	}
	fd := int(f.Fd())

	if _, err := unix.IoctlSetBpfBufferLen(fd, cfg.BufferSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: BIOCSBLEN: %w", err)
	}
	bufLen, err := unix.IoctlGetBpfBufferLen(fd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: BIOCGBLEN: %w", err)
	}

	if err := unix.IoctlSetBpfInterface(fd, cfg.Interface); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: BIOCSETIF %q: %w", cfg.Interface, err)
	}

	if err := unix.IoctlSetBpfImmediate(fd, 1); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: BIOCIMMEDIATE: %w", err)
	}

	if cfg.Promiscuous {
		if err := unix.IoctlSetInt(fd, unix.BIOCPROMISC, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("capture: BIOCPROMISC: %w", err)
		}
	}

	if len(filter) > 0 {
		if err := attachBPFProgram(fd, filter); err != nil {
			f.Close()
			return nil, fmt.Errorf("capture: BIOCSETF: %w", err)
		}
	}

	return &bsdEngine{
		log:   cfg.Logger,
		clock: cfg.Clock,
		f:     f,
		buf:   make([]byte, bufLen),
	}, nil
}

// Drain blocks on one read of the device's buffer and then walks every
// bpf_hdr-prefixed record inside it, emitting each as its own CapturedFrame
// stamped with a clock reading taken as that record is emitted (bpf(4) wakes
// the reader once per buffer, not once per record).
func (e *bsdEngine) Drain(emit func(CapturedFrame)) error {
	n, err := e.f.Read(e.buf)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return errClosed
		}
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("capture: read bpf device: %w", err)
	}
	if n == 0 {
		return nil
	}

	buf := e.buf[:n]
	for len(buf) > 0 {
		hdr, err := parseBpfHdr(buf)
		if err != nil {
			return fmt.Errorf("capture: malformed bpf record: %w", err)
		}

		if hdr.caplen == 0 || hdr.hdrlen == 0 {
			// A zero-length record carries no frame and no forward progress
			// (word-aligning 0 leaves buf unchanged, which would spin this
			// loop forever); discard the rest of this read and issue a
			// fresh one (§4.E point 4).
			break
		}

		recordLen := int(hdr.hdrlen) + int(hdr.caplen)
		if recordLen > len(buf) {
			// A partial trailing record should never happen per bpf(4)'s
			// buffering contract; treat it as end of this read rather than
			// panicking on a short slice.
			break
		}

		frameStart := int(hdr.hdrlen)
		frameEnd := frameStart + int(hdr.caplen)
		data := make([]byte, hdr.caplen)
		copy(data, buf[frameStart:frameEnd])
		emit(CapturedFrame{
			ArrivalNS: e.clock.NowNS(),
			Data:      data,
			Truncated: hdr.caplen < hdr.datalen,
		})

		buf = buf[wordAlign(recordLen):]
	}
	return nil
}

func (e *bsdEngine) Close() error {
	return e.f.Close()
}

type bpfHdr struct {
	caplen  uint32
	datalen uint32
	hdrlen  uint16
}

// parseBpfHdr reads the leading bpf_hdr of buf. Field layout differs across
// BSD variants (timeval width, padding), but caplen/datalen/hdrlen always sit
// at the offsets below per bpf(4); decoding just those three fields keeps
// this walk portable without per-GOOS struct definitions.
func parseBpfHdr(buf []byte) (bpfHdr, error) {
	const minHdr = 26
	if len(buf) < minHdr {
		return bpfHdr{}, errors.New("short bpf_hdr")
	}
	// bpf_hdr: struct timeval bh_tstamp; u_int32 bh_caplen, bh_datalen;
	// u_short bh_hdrlen. struct timeval is two longs (16 bytes on LP64).
	caplen := le32(buf[16:20])
	datalen := le32(buf[20:24])
	hdrlen := le16(buf[24:26])
	return bpfHdr{caplen: caplen, datalen: datalen, hdrlen: hdrlen}, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func attachBPFProgram(fd int, filter []bpf.RawInstruction) error {
	insns := make([]unix.BpfInsn, len(filter))
	for i, ins := range filter {
		insns[i] = unix.BpfInsn{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.BpfProgram{Len: uint32(len(insns)), Insns: (*unix.BpfInsn)(&insns[0])}
	return unix.IoctlSetBpfProgram(fd, &prog)
}

// openClonedBPFDevice opens /dev/bpf, which auto-clones to the first free
// /dev/bpfN unit on modern BSD/macOS; falling back to a numbered scan covers
// older kernels that require it.
func openClonedBPFDevice() (*os.File, error) {
	if f, err := os.OpenFile("/dev/bpf", os.O_RDWR, 0); err == nil {
		return f, nil
	}
	for i := 0; i < 256; i++ {
		path := fmt.Sprintf("/dev/bpf%d", i)
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EBUSY) {
			continue
		}
	}
	return nil, fmt.Errorf("no free /dev/bpfN device")
}
