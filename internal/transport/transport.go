// Package transport is the raw-socket façade the scan engine sends
// through and the packet filter it captures replies from: opening and
// closing the raw send socket for each address family, and opening an
// AF_PACKET capture bound to a compiled BPF program that admits only the
// frames the engine cares about.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// SendSocket is an open raw socket that can emit one already-built
// datagram at a time to a destination address.
type SendSocket interface {
	Send(dst net.IP, datagram []byte) error
	Close() error
}

// OpenSendV4 opens an IPv4 raw socket with IP_HDRINCL set, so the caller's
// datagram (including the IP header it built itself) is sent verbatim.
func OpenSendV4() (SendSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("transport: open ipv4 send socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: set IP_HDRINCL: %w", err)
	}
	return &sendSocketV4{fd: fd}, nil
}

type sendSocketV4 struct{ fd int }

func (s *sendSocketV4) Send(dst net.IP, datagram []byte) error {
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], dst.To4())
	if err := unix.Sendto(s.fd, datagram, 0, &addr); err != nil {
		return fmt.Errorf("transport: sendto: %w", err)
	}
	return nil
}

func (s *sendSocketV4) Close() error {
	return unix.Close(s.fd)
}

// ipv6ChecksumOffset is the byte offset of the TCP checksum field within
// the TCP header; passing it via IPV6_CHECKSUM makes the kernel compute
// the true checksum (including the pseudo-header) before the segment goes
// out, since the caller never has access to the IPv6 header itself to
// compute it from userspace.
const ipv6ChecksumOffset = 16

// OpenSendV6 opens an IPv6 raw TCP socket with the checksum-offset option
// set so the kernel fills in the TCP checksum for every segment sent.
func OpenSendV6() (SendSocket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("transport: open ipv6 send socket: %w", err)
	}
	offset := ipv6ChecksumOffset
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_CHECKSUM, offset); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: set IPV6_CHECKSUM: %w", err)
	}
	return &sendSocketV6{fd: fd}, nil
}

type sendSocketV6 struct{ fd int }

func (s *sendSocketV6) Send(dst net.IP, datagram []byte) error {
	var addr unix.SockaddrInet6
	copy(addr.Addr[:], dst.To16())
	if err := unix.Sendto(s.fd, datagram, 0, &addr); err != nil {
		return fmt.Errorf("transport: sendto: %w", err)
	}
	return nil
}

func (s *sendSocketV6) Close() error {
	return unix.Close(s.fd)
}

// ethernetHeaderLen is the datalink prefix size for the AF_PACKET
// captures this package opens: every captured frame starts with a
// 14-byte Ethernet header.
const ethernetHeaderLen = 14

// Capture is a live AF_PACKET capture restricted by an attached BPF
// program to the frames matching one filter expression.
type Capture struct {
	fd int
}

// OpenCapture opens a capture on iface, installing a compiled BPF program
// equivalent to "tcp and src host <dst> and dst port <magicPort>" (IPv4)
// or the IPv6 analogue. iface must name an existing network interface.
func OpenCapture(iface string, dst net.IP, magicPort uint16) (*Capture, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("transport: interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("transport: open capture socket: %w", err)
	}

	insns, err := filterProgram(dst, magicPort)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: build filter: %w", err)
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: assemble filter: %w", err)
	}
	prog := toSockFprog(raw)
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, prog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: attach filter: %w", err)
	}

	sll := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, &sll); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: bind capture socket: %w", err)
	}

	return &Capture{fd: fd}, nil
}

// NextFrame waits up to timeout for the next frame admitted by the
// attached filter. A timeout below one microsecond polls without waiting.
func (c *Capture) NextFrame(timeout time.Duration) ([]byte, bool) {
	flags := 0
	if timeout < time.Microsecond {
		flags = unix.MSG_DONTWAIT
	} else if err := setReadTimeout(c.fd, timeout); err != nil {
		return nil, false
	}
	buf := make([]byte, 65536)
	n, _, err := unix.Recvfrom(c.fd, buf, flags)
	if err != nil || n <= 0 {
		return nil, false
	}
	return buf[:n], true
}

// DatalinkSize reports the Ethernet header length this capture's frames
// are prefixed with.
func (c *Capture) DatalinkSize() int {
	return ethernetHeaderLen
}

func (c *Capture) Close() error {
	return unix.Close(c.fd)
}

func setReadTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func toSockFprog(raw []bpf.RawInstruction) *unix.SockFprog {
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	return &unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
}

func htons(v int) int {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return int(binary.NativeEndian.Uint16(b))
}
