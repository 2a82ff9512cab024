// Package decode implements the fixed-offset header parser (§4.C): a
// zero-copy view over a captured frame's Ethernet/IPv4/IPv6/TCP/UDP/ICMP
// headers. It never allocates a copy of the frame or its sub-headers —
// callers get offsets and typed classification fields back, not parsed
// layer structs. The source's pointer-laden per-packet struct is replaced by
// this flat, allocation-free result (§9).
//
// Named ethertype/protocol constants come from gopacket/layers, the same
// package the teacher uses for classification and logging elsewhere (see
// telemetry/enricher's sFlow decoder and doublezerod's PIM decoder) — this
// keeps names and String() output consistent with the rest of the
// ecosystem without adopting gopacket's allocating multi-layer decode path.
package decode

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket/layers"
)

// ErrTruncated indicates a frame shorter than the header it claims to carry.
// The caller must count this as a parse error and must not record any
// ethertype/protocol counters for the frame (§4.C, §9 Open Questions).
var ErrTruncated = errors.New("decode: frame truncated before header boundary")

const (
	ethernetHeaderLen = 14
	ipv4MinHeaderLen  = 20
	ipv6HeaderLen     = 40
	tcpMinHeaderLen   = 20
	udpHeaderLen      = 8
)

// Frame is the decoded view of one captured link-layer frame. All offsets
// are relative to the original raw byte slice passed to Decode; Frame holds
// no copy of it.
type Frame struct {
	Ethertype layers.EthernetType

	IPv4Valid bool
	IPv6Valid bool

	// L4Proto is the IPv4 protocol byte or IPv6 next-header byte. Zero value
	// when neither IPv4Valid nor IPv6Valid is set.
	L4Proto layers.IPProtocol
	// L4Offset is the byte offset of the L4 header within the raw frame.
	// Only meaningful when IPv4Valid or IPv6Valid is set.
	L4Offset int

	// ChecksumOK is advisory: it reflects the IPv4 header checksum only (the
	// transport checksum is not verified). A false value never implies a
	// parse error (§4.C Validation).
	ChecksumOK bool
}

// Decode parses the Ethernet/IPv4-or-IPv6/TCP-or-UDP-or-ICMP headers of one
// captured frame at fixed offsets. It returns ErrTruncated for any frame
// shorter than the header layout it claims — the caller must count a parse
// error and skip ethertype/protocol classification for that frame.
func Decode(data []byte) (Frame, error) {
	if len(data) < ethernetHeaderLen {
		return Frame{}, ErrTruncated
	}

	f := Frame{
		Ethertype: layers.EthernetType(binary.BigEndian.Uint16(data[12:14])),
	}

	switch f.Ethertype {
	case layers.EthernetTypeIPv4:
		return decodeIPv4(data, f)
	case layers.EthernetTypeIPv6:
		return decodeIPv6(data, f)
	default:
		// Not an IP ethertype we classify further (e.g. ARP). Not malformed.
		return f, nil
	}
}

func decodeIPv4(data []byte, f Frame) (Frame, error) {
	if len(data) < ethernetHeaderLen+ipv4MinHeaderLen {
		return Frame{}, ErrTruncated
	}
	ipv4 := data[ethernetHeaderLen:]
	ihl := int(ipv4[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen {
		return Frame{}, ErrTruncated
	}
	if ethernetHeaderLen+ihl > len(data) {
		return Frame{}, ErrTruncated
	}

	f.IPv4Valid = true
	f.L4Proto = layers.IPProtocol(ipv4[9])
	f.L4Offset = ethernetHeaderLen + ihl
	f.ChecksumOK = ipv4HeaderChecksumOK(data[ethernetHeaderLen : ethernetHeaderLen+ihl])

	if err := validateL4(data, f.L4Offset, f.L4Proto); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func decodeIPv6(data []byte, f Frame) (Frame, error) {
	if len(data) < ethernetHeaderLen+ipv6HeaderLen {
		return Frame{}, ErrTruncated
	}
	ipv6 := data[ethernetHeaderLen:]

	f.IPv6Valid = true
	f.L4Proto = layers.IPProtocol(ipv6[6])
	f.L4Offset = ethernetHeaderLen + ipv6HeaderLen
	// IPv6 carries no header checksum; advisory verification is IPv4-only.
	f.ChecksumOK = true

	if err := validateL4(data, f.L4Offset, f.L4Proto); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// validateL4 enforces the minimum header length for TCP/UDP. ICMP/ICMPv6
// and any other protocol carry no minimum-length requirement beyond the IP
// header already validated.
func validateL4(data []byte, l4Offset int, proto layers.IPProtocol) error {
	switch proto {
	case layers.IPProtocolTCP:
		if len(data) < l4Offset+tcpMinHeaderLen {
			return ErrTruncated
		}
	case layers.IPProtocolUDP:
		if len(data) < l4Offset+udpHeaderLen {
			return ErrTruncated
		}
	}
	return nil
}

// ipv4HeaderChecksumOK computes the Internet checksum (RFC 1071) over the
// IPv4 header and reports whether it sums to zero, i.e. the header
// checksum field is self-consistent. A false result is advisory only.
func ipv4HeaderChecksumOK(header []byte) bool {
	return onesComplement16(header) == 0
}

func onesComplement16(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// IsICMP reports whether proto is ICMPv4 or ICMPv6, the only protocols the
// filter compiler (§4.D) ever admits when a filter is attached.
func IsICMP(proto layers.IPProtocol) bool {
	return proto == layers.IPProtocolICMPv4 || proto == layers.IPProtocolICMPv6
}
