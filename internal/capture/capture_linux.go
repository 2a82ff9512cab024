package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/linkbench/internal/clock"
)

// linuxEngine captures from an AF_PACKET raw socket (ETH_P_ALL), one frame
// per recvfrom — the "raw-socket variant exposes one frame per recvfrom"
// contract of §4.E. The poll+eventfd shutdown pattern mirrors
// tools/uping/pkg/uping/listener.go's ICMP listener: a non-blocking socket,
// poll() bounded by a short per-iteration timeout, and an eventfd used to
// interrupt poll() from Close() without races.
type linuxEngine struct {
	log   *slog.Logger
	clock clock.Clock
	iface string

	fd      int
	efd     int
	ifIndex int
	buf     []byte
}

func newPlatformEngine(cfg Config, filter []bpf.RawInstruction) (Engine, error) {
	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("capture: lookup interface %q: %w", cfg.Interface, err)
	}
	ifIndex := ifi.Index

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("capture: socket: %w", err)
	}

	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifIndex}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: bind to %q: %w", cfg.Interface, err)
	}

	if cfg.Promiscuous {
		mreq := unix.PacketMreq{Ifindex: int32(ifIndex), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("capture: enable promiscuous mode: %w", err)
		}
	}

	if len(filter) > 0 {
		if err := attachClassicBPF(fd, filter); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("capture: attach filter: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: set nonblock: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: eventfd: %w", err)
	}

	return &linuxEngine{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		iface:   cfg.Interface,
		fd:      fd,
		efd:     efd,
		ifIndex: ifIndex,
		buf:     make([]byte, MaxFrameLen),
	}, nil
}

// Drain reads at most one frame via a non-blocking recvfrom. AF_PACKET
// delivers one frame per receive, so there is no embedded-record walk here
// (contrast capture_bsd.go). A frame whose wire length exceeds the receive
// buffer is emitted with Truncated set; the worker pool counts it as a
// capture drop.
func (e *linuxEngine) Drain(emit func(CapturedFrame)) error {
	pfds := []unix.PollFd{
		{Fd: int32(e.fd), Events: unix.POLLIN},
		{Fd: int32(e.efd), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfds, 200)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("capture: poll: %w", err)
	}
	if pfds[1].Revents&unix.POLLIN != 0 {
		return errClosed
	}
	if n == 0 || pfds[0].Revents&(unix.POLLIN|unix.POLLERR) == 0 {
		return nil
	}

	// MSG_TRUNC reports the original datagram length even when it exceeds
	// e.buf, so truncation can be detected and accounted as a capture drop
	// rather than silently handing a short frame downstream (§4.E point 3).
	wireLen, _, err := unix.Recvfrom(e.fd, e.buf, unix.MSG_TRUNC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("capture: recvfrom: %w", err)
	}
	if wireLen <= 0 {
		return nil
	}

	capturedLen := wireLen
	truncated := false
	if capturedLen > len(e.buf) {
		capturedLen = len(e.buf)
		truncated = true
	}

	data := make([]byte, capturedLen)
	copy(data, e.buf[:capturedLen])
	emit(CapturedFrame{ArrivalNS: e.clock.NowNS(), Data: data, Truncated: truncated})
	return nil
}

func (e *linuxEngine) Close() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(e.efd, one[:])
	_ = unix.Close(e.efd)
	return unix.Close(e.fd)
}

func attachClassicBPF(fd int, filter []bpf.RawInstruction) error {
	insns := make([]unix.SockFilter, len(filter))
	for i, ins := range filter {
		insns[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(insns)), Filter: &insns[0]}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | (v>>8)&0xff
}
