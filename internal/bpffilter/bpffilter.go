// Package bpffilter implements the §4.D Filter Compiler: it assembles a
// fixed classic-BPF program that accepts a frame iff it is ICMPv4 or
// ICMPv6, for attachment to either an AF_PACKET socket (Linux,
// SO_ATTACH_FILTER) or a BPF device (BSD/macOS, BIOCSETF). Both call sites
// share this single assembler so the classifier semantics are identical on
// every backend.
//
// golang.org/x/net/bpf is the classic-BPF assembler the wider Go networking
// ecosystem pairs with AF_PACKET/BPF-device raw sockets (gopacket's pcapgo
// backend does the same); it is already pulled in transitively via
// golang.org/x/net, a direct teacher dependency, so this is the natural home
// for the filter program rather than hand-rolling instruction encoding.
package bpffilter

import "golang.org/x/net/bpf"

// acceptLen is the capture length returned by the classifier on a match.
// It is large enough that the kernel never itself truncates an accepted
// frame; true truncation is governed by the engine's own buffer size
// (§4.E).
const acceptLen = 1 << 16

// ICMPOnly compiles the classifier program described in §4.D:
//
//	(ethertype = 0x0800 ∧ ipv4.proto = 1) ∨ (ethertype = 0x86DD ∧ ipv6.next = 58)
//
// On accept the program returns acceptLen; on reject it returns 0.
func ICMPOnly() ([]bpf.Instruction, error) {
	// Instruction indices referenced by the jump offsets below:
	//   0: ldh  [12]        ethertype
	//   1: jeq  #0x0800     -> 2 (ipv4 block) / 4 (ipv6 check)
	//   2: ldb  [23]        ipv4 protocol byte
	//   3: jeq  #1          -> 7 (accept) / 8 (drop)
	//   4: jeq  #0x86dd     -> 5 (ipv6 block) / 8 (drop)
	//   5: ldb  [20]        ipv6 next-header byte
	//   6: jeq  #58         -> 7 (accept) / 8 (drop)
	//   7: ret  acceptLen
	//   8: ret  0
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipTrue: 0, SkipFalse: 2},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 3, SkipFalse: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x86dd, SkipTrue: 0, SkipFalse: 3},
		bpf.LoadAbsolute{Off: 20, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 58, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: acceptLen},
		bpf.RetConstant{Val: 0},
	}
	if _, err := bpf.Assemble(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// Assemble compiles the ICMP/ICMPv6 classifier into its raw kernel-loadable
// form. Both the Linux (SO_ATTACH_FILTER / struct sock_fprog) and BSD
// (BIOCSETF / struct bpf_program) backends consume this same instruction
// stream.
func Assemble() ([]bpf.RawInstruction, error) {
	prog, err := ICMPOnly()
	if err != nil {
		return nil, err
	}
	return bpf.Assemble(prog)
}
