package synscan

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/KevAligo/synscan/internal/transport"
)

// magicPortBase and magicPortSpan bound the randomly chosen TCP source
// port a scan's probes and the matching capture filter are keyed on; it
// has no meaning beyond correlating replies to this run.
const (
	magicPortBase = 4441
	magicPortSpan = 1200
)

// fullScanThreshold is the port-count at which a scan is considered to
// cover the entire port space, regardless of which ports were actually
// named.
const fullScanThreshold = 65535

// progressEvery is how often, in ports submitted, the Progress callback
// fires during the main sweep.
const progressEvery = 100

// Config carries everything one call to Scan needs beyond the Host
// capability bundle itself.
type Config struct {
	// Hostname is passed through to Host.Progress verbatim; it need not
	// resolve to Destination.
	Hostname string

	// PortRange is handed to Host.PortListFromRange unparsed.
	PortRange string

	// Destination is the scan target. Its family (v4 vs v6, tested via
	// To4()) selects which wire encoding and retry behavior apply.
	Destination net.IP

	// InitialRTT seeds the estimator before the first probe is sent. Zero
	// means "use the saturation bound" (the conservative default).
	InitialRTT uint32

	// Logger receives per-scan diagnostic events. A nil Logger falls back
	// to slog.Default().
	Logger *slog.Logger
}

type addressFamily int

const (
	familyV4 addressFamily = 4
	familyV6 addressFamily = 6
)

// scanContext bundles the state one call to Scan threads through its
// helper functions: the open sockets, the in-flight table, the RTT
// estimator, and the identifying fields every outgoing segment needs.
type scanContext struct {
	family addressFamily
	src    net.IP
	dst    net.IP
	magic  uint16

	send    transport.SendSocket
	capture Capture

	inflight inFlightTable
	rtt      *rttEstimator
	rng      *rand.Rand

	host   Host
	logger *slog.Logger
}

// Scan runs a stealth SYN sweep against cfg.Destination over the ports
// named by cfg.PortRange, reporting each open port found through
// host.ReportOpenPort. It returns nil once every port has been probed (and,
// for IPv4, every outstanding probe has either replied or exhausted its
// retries); it returns a non-nil error only when the port range cannot be
// parsed, the route lookup or a socket/capture open fails, a send fails
// outright, or ctx is done before the main sweep finishes.
//
// Scan sends no packets and returns nil immediately if host reports the
// destination as local.
func Scan(ctx context.Context, host Host, cfg Config) error {
	if host.HostIsLocal(cfg.Destination) {
		return nil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	family := familyV4
	if cfg.Destination.To4() == nil {
		family = familyV6
	}

	portRange := resolvePortRange(cfg, host)

	ports, err := host.PortListFromRange(portRange)
	if err != nil {
		return fmt.Errorf("synscan: parse port range %q: %w", portRange, err)
	}

	iface, src, err := host.RouteLookup(cfg.Destination)
	if err != nil {
		return fmt.Errorf("%w: route lookup: %v", ErrOpenFailed, err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	magic := uint16(magicPortBase + rng.Intn(magicPortSpan))

	send, err := openSend(family)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	defer send.Close()

	filterExpr := fmt.Sprintf("tcp and src host %s and dst port %d", cfg.Destination, magic)
	capture, err := host.OpenCapture(iface, filterExpr)
	if err != nil {
		return fmt.Errorf("%w: open capture on %s: %v", ErrOpenFailed, iface, err)
	}
	defer capture.Close()

	estimator := newRTTEstimator()
	if cfg.InitialRTT != 0 {
		estimator.update(cfg.InitialRTT)
	}

	sctx := &scanContext{
		family:   family,
		src:      src,
		dst:      cfg.Destination,
		magic:    magic,
		send:     send,
		capture:  capture,
		inflight: newInFlightTable(),
		rtt:      estimator,
		rng:      rng,
		host:     host,
		logger:   logger,
	}

	logger.Debug("synscan: starting scan", "host", cfg.Hostname, "dest", cfg.Destination, "ports", len(ports), "iface", iface, "magic", magic)

	for i := 0; i < len(ports); i += 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i%progressEvery == 0 {
			host.Progress(cfg.Hostname, "portscan", i, len(ports))
		}

		if err := sctx.sendProbe(ports[i], false); err != nil {
			return err
		}
		if i+1 < len(ports) {
			if err := sctx.sendProbe(ports[i+1], true); err != nil {
				return err
			}
		}
	}

	if family == familyV4 {
		if err := sctx.drainTail(); err != nil {
			return err
		}
	}

	host.Progress(cfg.Hostname, "portscan", len(ports), len(ports))
	host.SetHostFlag("Host/scanned", 1)
	host.SetHostFlag("Host/scanners/synscan", 1)
	if len(ports) >= fullScanThreshold {
		host.SetHostFlag("Host/full_scan", 1)
	}

	return nil
}

// resolvePortRange returns cfg.PortRange, falling back to the host's
// configured port-range preference when the caller leaves it empty.
func resolvePortRange(cfg Config, host Host) string {
	if cfg.PortRange != "" {
		return cfg.PortRange
	}
	return host.PortRangePreference()
}

func openSend(family addressFamily) (transport.SendSocket, error) {
	if family == familyV4 {
		return transport.OpenSendV4()
	}
	return transport.OpenSendV6()
}

// sendProbe sends one SYN to port (unless port is 0, the tail loop's
// sniff-only marker) and, if sniff is set, drains the capture for replies
// until the current RTT-derived deadline lapses with nothing more to read.
func (c *scanContext) sendProbe(port uint16, sniff bool) error {
	if port != 0 {
		seq := encodeTimestamp(time.Now())
		pkt := c.buildSYN(port, seq)
		c.inflight.add(port, seq)
		if err := c.send.Send(c.dst, pkt); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
	if sniff {
		return c.drain(c.rtt.deadline())
	}
	return nil
}

// drain reads replies off the capture until one wait (first bounded by
// deadline, then zero for every frame read back-to-back within the same
// call) turns up nothing. Every SYN|ACK reply is reported open, answered
// with an RST, and folded into the RTT estimate.
func (c *scanContext) drain(deadline time.Duration) error {
	for {
		frame, ok := c.capture.NextFrame(deadline)
		if !ok {
			return nil
		}

		seg, parsed := c.parse(frame)
		if !parsed {
			deadline = 0
			continue
		}

		c.inflight.remove(seg.srcPort)

		if seg.isSynAck() {
			c.host.ReportOpenPort(seg.srcPort, "tcp")

			rst := c.buildRST(seg.srcPort, seg.ack)
			if err := c.send.Send(c.dst, rst); err != nil {
				return fmt.Errorf("%w: %v", ErrSendFailed, err)
			}

			c.rtt.update(sampleRTT(time.Now(), seg.ack))
		}

		deadline = 0
	}
}

// drainTail runs the IPv4-only retry loop after the main sweep: it sweeps
// the in-flight table for dead entries, retransmits the ones still under
// the retry ceiling, and issues one final sniffing pass between sweeps,
// until the table is empty.
func (c *scanContext) drainTail() error {
	for len(c.inflight) > 0 {
		retryPort := c.inflight.sweep(time.Now())
		for i := 0; retryPort != 0 && i < numRetries; i++ {
			if err := c.sendProbe(retryPort, false); err != nil {
				return err
			}
			retryPort = c.inflight.sweep(time.Now())
		}
		if err := c.sendProbe(retryPort, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *scanContext) buildSYN(dstPort uint16, seq uint32) []byte {
	if c.family == familyV4 {
		return buildSegmentV4(c.rng, c.src, c.dst, c.magic, dstPort, seq, flagSYN)
	}
	return buildSegmentV6(c.rng, c.magic, dstPort, seq, flagSYN)
}

// buildRST answers a SYN|ACK from srcPort. Its sequence is the reply's
// captured ack field, which by TCP's own rule equals the original SYN's
// sequence plus one.
func (c *scanContext) buildRST(srcPort uint16, ack uint32) []byte {
	if c.family == familyV4 {
		return buildSegmentV4(c.rng, c.src, c.dst, c.magic, srcPort, ack, flagRST)
	}
	return buildSegmentV6(c.rng, c.magic, srcPort, ack, flagRST)
}

func (c *scanContext) parse(frame []byte) (segment, bool) {
	skip := c.capture.DatalinkSize()
	if c.family == familyV4 {
		return parseV4(frame, skip)
	}
	return parseV6(frame, skip)
}
