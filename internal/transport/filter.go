package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
)

// Ethernet/IP field offsets, all measured from the start of the captured
// frame (the capture sockets this package opens always carry a 14-byte
// Ethernet header in front of the network-layer header).
const (
	offEtherType = 12

	offIPv4Proto = 14 + 9
	offIPv4Src   = 14 + 12
	offIPv4TCP   = 14 + 20 // assumes no IPv4 options

	offIPv6NextHdr = 14 + 6
	offIPv6Src     = 14 + 8
	offIPv6TCP     = 14 + 40 // assumes no extension headers

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	ipProtoTCP = 6
)

// filterProgram builds the BPF program equivalent to
// "tcp and src host <dst> and dst port <magicPort>", scoped to dst's
// address family.
func filterProgram(dst net.IP, magicPort uint16) ([]bpf.Instruction, error) {
	if v4 := dst.To4(); v4 != nil {
		return filterProgramV4(v4, magicPort), nil
	}
	if v6 := dst.To16(); v6 != nil {
		return filterProgramV6(v6, magicPort), nil
	}
	return nil, fmt.Errorf("transport: invalid destination address %v", dst)
}

// check is one "load size bytes at off, jump to the reject return if they
// don't equal want" test; buildProgram fills in each jump's SkipFalse once
// the full program length is known.
type check struct {
	off  uint32
	size int
	want uint32
}

func buildProgram(checks []check) []bpf.Instruction {
	var insns []bpf.Instruction
	for _, c := range checks {
		insns = append(insns, bpf.LoadAbsolute{Off: c.off, Size: c.size})
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: c.want, SkipTrue: 0, SkipFalse: 0})
	}
	acceptIdx := len(insns)
	rejectIdx := acceptIdx + 1
	insns = append(insns, bpf.RetConstant{Val: 262144}) // accept, full snaplen
	insns = append(insns, bpf.RetConstant{Val: 0})       // reject

	for i, ins := range insns {
		jmp, ok := ins.(bpf.JumpIf)
		if !ok {
			continue
		}
		jmp.SkipFalse = uint8(rejectIdx - (i + 1))
		insns[i] = jmp
	}
	return insns
}

func filterProgramV4(dst net.IP, magicPort uint16) []bpf.Instruction {
	return buildProgram([]check{
		{off: offEtherType, size: 2, want: etherTypeIPv4},
		{off: offIPv4Proto, size: 1, want: ipProtoTCP},
		{off: offIPv4Src, size: 4, want: binary.BigEndian.Uint32(dst)},
		{off: offIPv4TCP + 2, size: 2, want: uint32(magicPort)},
	})
}

func filterProgramV6(dst net.IP, magicPort uint16) []bpf.Instruction {
	checks := []check{
		{off: offEtherType, size: 2, want: etherTypeIPv6},
		{off: offIPv6NextHdr, size: 1, want: ipProtoTCP},
	}
	for i := 0; i < 16; i += 4 {
		checks = append(checks, check{
			off:  offIPv6Src + uint32(i),
			size: 4,
			want: binary.BigEndian.Uint32(dst[i : i+4]),
		})
	}
	checks = append(checks, check{off: offIPv6TCP + 2, size: 2, want: uint32(magicPort)})
	return buildProgram(checks)
}
