package synscan

import (
	"net"
	"time"
)

// Host is the capability bundle the scan engine consumes from its caller:
// port-range parsing, route lookup, packet capture, and the
// reporting/progress/flag callbacks into the invoking host. Package
// internal/hostenv supplies a concrete implementation for the CLI.
type Host interface {
	// PortRangePreference returns the host-configured default port range,
	// consulted when the caller leaves Config.PortRange empty.
	PortRangePreference() string

	// PortListFromRange turns a human port-range specification into a
	// sorted list of port numbers.
	PortListFromRange(rangeSpec string) ([]uint16, error)

	// RouteLookup resolves the outgoing interface name and source address
	// that would be used to reach dst.
	RouteLookup(dst net.IP) (iface string, src net.IP, err error)

	// OpenCapture opens a live capture on iface restricted to filter, a
	// packet-filter expression of the form
	// "tcp and src host <dst> and dst port <magic>".
	OpenCapture(iface, filter string) (Capture, error)

	// HostIsLocal reports whether dst is unreachable, loopback, or
	// otherwise locally bound — in which case the scan is skipped
	// entirely.
	HostIsLocal(dst net.IP) bool

	// ReportOpenPort is the open-port callback: invoked exactly once per
	// port found open, just before the engine answers its SYN|ACK with an
	// RST.
	ReportOpenPort(port uint16, proto string)

	// Progress reports scan progress, invoked once per 100 ports plus a
	// final call at completion.
	Progress(hostname, stage string, current, total int)

	// SetHostFlag records a terminal fact about the scan
	// ("Host/scanned", "Host/scanners/synscan", "Host/full_scan").
	SetHostFlag(key string, value int)
}

// Capture is a live packet capture bound to a narrow filter expression —
// the "kernel packet filter" that a SYN scan relies on. NextFrame returns
// the raw captured frame including its datalink prefix; DatalinkSize
// reports how many leading bytes to skip before the IP/IPv6 header.
type Capture interface {
	// NextFrame returns the next frame admitted by the filter, waiting up
	// to timeout. ok is false on timeout; no error is reported for a
	// timeout.
	NextFrame(timeout time.Duration) (frame []byte, ok bool)

	// DatalinkSize is the number of bytes to skip at the start of every
	// captured frame before the IP/IPv6 header begins.
	DatalinkSize() int

	Close() error
}
