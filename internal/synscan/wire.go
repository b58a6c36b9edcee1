// Package synscan implements a stealth TCP SYN port scanner: it builds raw
// SYN segments, infers port state from SYN|ACK replies captured off a
// kernel packet filter, and retransmits a bounded number of times against
// an RTT-derived deadline. No connection is ever completed and no normal
// transport socket is opened to the target.
package synscan

import (
	"encoding/binary"
	"math/rand"
	"net"
)

// TCP flag bits used by the scanner. Only SYN, ACK and RST are ever set.
const (
	flagSYN = 0x02
	flagACK = 0x10
	flagRST = 0x04

	synAck = flagSYN | flagACK
)

const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	ipv4SegLen    = ipv4HeaderLen + tcpHeaderLen
)

// segment is the result of parsing a captured frame: the fields the engine
// needs to correlate a reply with an in-flight probe and to classify it.
type segment struct {
	srcPort uint16
	ack     uint32
	flags   byte
}

// isSynAck reports whether the captured segment had exactly SYN|ACK set.
func (s segment) isSynAck() bool {
	return s.flags == synAck
}

// buildSegmentV4 builds a 40-byte IPv4+TCP datagram: a 20-byte IPv4 header
// (header checksum filled in) followed by a 20-byte TCP header (pseudo-header
// checksum filled in). seq is the raw 32-bit value to place in the TCP
// sequence field — callers pass either an encoded timestamp (SYN) or the
// captured reply's ack field, i.e. the SYN's sequence plus one (RST).
func buildSegmentV4(rng *rand.Rand, src, dst net.IP, srcPort, dstPort uint16, seq uint32, flags byte) []byte {
	pkt := make([]byte, ipv4SegLen)

	buildIPv4HeaderInto(pkt[:ipv4HeaderLen], rng, src, dst)
	buildTCPHeaderInto(pkt[ipv4HeaderLen:], srcPort, dstPort, seq, 0, flags, 4096)

	tcpSum := tcpChecksumV4(src, dst, pkt[ipv4HeaderLen:])
	binary.BigEndian.PutUint16(pkt[ipv4HeaderLen+16:ipv4HeaderLen+18], tcpSum)

	return pkt
}

// buildSegmentV6 builds a 20-byte TCP-only header for IPv6. The checksum
// field is left at the placeholder value 2; the true checksum is computed
// by the kernel because the send socket carries the IPV6_CHECKSUM option
// pointing at this field's offset (16) within the header — see
// internal/transport.
func buildSegmentV6(rng *rand.Rand, srcPort, dstPort uint16, seq uint32, flags byte) []byte {
	pkt := make([]byte, tcpHeaderLen)
	buildTCPHeaderInto(pkt, srcPort, dstPort, seq, rng.Uint32(), flags, 5760)
	binary.BigEndian.PutUint16(pkt[16:18], 2) // placeholder; kernel overwrites
	return pkt
}

// buildIPv4HeaderInto writes a 20-byte IPv4 header for a 40-byte
// IPv4+TCP datagram: version 4, IHL 5, TOS 0, random ID, no fragmentation,
// TTL 64, protocol TCP, checksum computed over the header itself.
func buildIPv4HeaderInto(buf []byte, rng *rand.Rand, src, dst net.IP) {
	if len(buf) < ipv4HeaderLen {
		panic("buildIPv4HeaderInto: buffer too small")
	}

	buf[0] = (4 << 4) | 5 // version 4, header length 5 words
	buf[1] = 0            // TOS
	binary.BigEndian.PutUint16(buf[2:4], ipv4SegLen)
	binary.BigEndian.PutUint16(buf[4:6], uint16(rng.Uint32()))
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = 64                             // TTL
	buf[9] = 6                              // IPPROTO_TCP
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], src.To4())
	copy(buf[16:20], dst.To4())

	binary.BigEndian.PutUint16(buf[10:12], checksum(buf[:ipv4HeaderLen]))
}

// buildTCPHeaderInto writes a 20-byte TCP header with no options: data
// offset 5 words, urgent pointer 0, checksum left zero for the caller to
// fill in (or overwritten by the kernel, for IPv6).
func buildTCPHeaderInto(buf []byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16) {
	if len(buf) < tcpHeaderLen {
		panic("buildTCPHeaderInto: buffer too small")
	}

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4 // data offset, no options
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum, filled in by caller
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer
}

// tcpChecksumV4 computes the TCP checksum over the IPv4 pseudo-header
// {src, dst, zero, protocol, tcp length} concatenated with the TCP header.
func tcpChecksumV4(src, dst net.IP, tcpHdr []byte) uint16 {
	pseudo := make([]byte, 12+len(tcpHdr))
	copy(pseudo[0:4], src.To4())
	copy(pseudo[4:8], dst.To4())
	pseudo[8] = 0
	pseudo[9] = 6 // IPPROTO_TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpHdr)))
	copy(pseudo[12:], tcpHdr)

	return checksum(pseudo)
}

// checksum is the one's-complement 16-bit Internet checksum (RFC 791 §3.1):
// sum 16-bit words in network byte order, fold the carry into the low 16
// bits, take the bitwise complement. An odd-length buffer is zero-padded.
func checksum(data []byte) uint16 {
	var sum uint32

	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return ^uint16(sum)
}

// parseV4 extracts the TCP segment from a captured IPv4 frame. skip is the
// datalink prefix length. Reports ok=false if the frame is too short for
// the IP header's declared length to contain a full TCP header — such
// frames are silently ignored by the caller.
func parseV4(frame []byte, skip int) (segment, bool) {
	if len(frame) < skip+ipv4HeaderLen {
		return segment{}, false
	}
	ip := frame[skip:]
	ihl := int(ip[0]&0x0f) * 4
	if len(ip) < ihl+tcpHeaderLen {
		return segment{}, false
	}
	tcp := ip[ihl:]

	return segment{
		srcPort: binary.BigEndian.Uint16(tcp[0:2]),
		ack:     binary.BigEndian.Uint32(tcp[8:12]),
		flags:   tcp[13],
	}, true
}

// parseV6 extracts the TCP segment from a captured IPv6 frame. The TCP
// header is assumed to sit at a fixed offset of 40 bytes past the datalink
// prefix; IPv6 extension headers are not handled.
func parseV6(frame []byte, skip int) (segment, bool) {
	const ipv6HeaderLen = 40
	if len(frame) < skip+ipv6HeaderLen+tcpHeaderLen {
		return segment{}, false
	}
	tcp := frame[skip+ipv6HeaderLen:]

	return segment{
		srcPort: binary.BigEndian.Uint16(tcp[0:2]),
		ack:     binary.BigEndian.Uint32(tcp[8:12]),
		flags:   tcp[13],
	}, true
}
