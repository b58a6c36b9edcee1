package synscan

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/KevAligo/synscan/internal/transport"
)

// discoveryBeaconPorts are probed in order until enough of them answer to
// seed an RTT estimate. They are ports commonly open on a live host, not a
// scan target list in their own right.
var discoveryBeaconPorts = [20]uint16{
	21, 22, 34, 25, 53, 79, 80, 110, 113, 135,
	139, 143, 264, 389, 443, 993, 1454, 1723, 3389, 8080,
}

const (
	discoveryResponders = 3
	discoverySamples    = 10
	discoveryMaxMisses  = 10
	discoveryWait       = time.Second
)

// DiscoverRTT is an optional bootstrap that runs before the main sweep to
// seed the RTT estimator with a real measurement instead of the saturation
// default. It probes the fixed beacon list until discoveryResponders ports
// answer at all, then cycles through those ports for discoverySamples
// successful round trips, tracking a running maximum and a runner-up
// maximum; the runner-up is the final estimate, which protects it from a
// single outlying sample. It returns the saturation bound if no beacon
// answers (the beacon search stops after discoveryMaxMisses consecutive
// non-replies), or as soon as discoveryMaxMisses consecutive non-replies
// occur while sampling.
//
// DiscoverRTT only supports IPv4; called against an IPv6 destination it
// returns the saturation bound immediately.
func DiscoverRTT(host Host, dst net.IP) (uint32, error) {
	if dst.To4() == nil {
		return rttSaturation, nil
	}

	iface, src, err := host.RouteLookup(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: route lookup: %v", ErrOpenFailed, err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	magic := uint16(magicPortBase + rng.Intn(magicPortSpan))

	send, err := transport.OpenSendV4()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	defer send.Close()

	filterExpr := fmt.Sprintf("tcp and src host %s and dst port %d", dst, magic)
	capture, err := host.OpenCapture(iface, filterExpr)
	if err != nil {
		return 0, fmt.Errorf("%w: open capture on %s: %v", ErrOpenFailed, iface, err)
	}
	defer capture.Close()

	d := &discovery{rng: rng, src: src, dst: dst, magic: magic, send: send, capture: capture}

	responders, err := d.findResponders()
	if err != nil {
		return 0, err
	}
	if len(responders) == 0 {
		return rttSaturation, nil
	}

	estimate, err := d.sampleRoundTrips(responders)
	if err != nil {
		return 0, err
	}
	if estimate == 0 {
		return rttSaturation, nil
	}
	return estimate, nil
}

type discovery struct {
	rng     *rand.Rand
	src     net.IP
	dst     net.IP
	magic   uint16
	send    transport.SendSocket
	capture Capture
}

func (d *discovery) probe(port uint16) error {
	seq := encodeTimestamp(time.Now())
	pkt := buildSegmentV4(d.rng, d.src, d.dst, d.magic, port, seq, flagSYN)
	if err := d.send.Send(d.dst, pkt); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (d *discovery) ackOpenPort(seg segment) error {
	if !seg.isSynAck() {
		return nil
	}
	rst := buildSegmentV4(d.rng, d.src, d.dst, d.magic, seg.srcPort, seg.ack, flagRST)
	if err := d.send.Send(d.dst, rst); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// findResponders probes the beacon list in order, collecting the first
// discoveryResponders ports that produce any parseable reply.
func (d *discovery) findResponders() ([]uint16, error) {
	responders := make([]uint16, 0, discoveryResponders)
	misses := 0

	for _, port := range discoveryBeaconPorts {
		if len(responders) >= discoveryResponders {
			break
		}
		if err := d.probe(port); err != nil {
			return nil, err
		}

		frame, ok := d.capture.NextFrame(discoveryWait)
		if !ok {
			misses++
			if misses >= discoveryMaxMisses {
				return responders, nil
			}
			continue
		}
		seg, parsed := parseV4(frame, d.capture.DatalinkSize())
		if !parsed {
			continue
		}
		if err := d.ackOpenPort(seg); err != nil {
			return nil, err
		}
		responders = append(responders, port)
		misses = 0
	}
	return responders, nil
}

// sampleRoundTrips cycles through responders until discoverySamples
// successful round trips are collected, tracking two running maxima: the
// largest accepted sample (maxMax) and the runner-up (max). A sample that
// beats maxMax is always installed as the new maxMax; the old maxMax is
// only demoted into max if max is still zero or the new sample is less
// than twice max, which keeps a single wild outlier from corrupting the
// returned estimate.
func (d *discovery) sampleRoundTrips(responders []uint16) (uint32, error) {
	var max, maxMax uint32
	successes := 0
	misses := 0

	for attempt := 0; successes < discoverySamples; attempt++ {
		port := responders[attempt%len(responders)]

		seq := encodeTimestamp(time.Now())
		pkt := buildSegmentV4(d.rng, d.src, d.dst, d.magic, port, seq, flagSYN)
		if err := d.send.Send(d.dst, pkt); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}

		frame, ok := d.capture.NextFrame(discoveryWait)
		if !ok {
			misses++
			if misses >= discoveryMaxMisses {
				return rttSaturation, nil
			}
			continue
		}
		seg, parsed := parseV4(frame, d.capture.DatalinkSize())
		if !parsed {
			continue
		}
		misses = 0

		sample := sampleRTT(time.Now(), seg.ack)
		if sample == 0 {
			continue
		}
		successes++
		max, maxMax = acceptSample(max, maxMax, sample)

		if err := d.ackOpenPort(seg); err != nil {
			return 0, err
		}
	}
	return max, nil
}

// acceptSample folds one new RTT sample into the running (max, maxMax)
// pair used by sampleRoundTrips. A sample beating maxMax always becomes
// the new maxMax; the previous maxMax is demoted into max only if max is
// still zero or the new sample is less than twice max, so one wild
// outlier cannot drag max away from the cluster of ordinary samples.
func acceptSample(max, maxMax, sample uint32) (newMax, newMaxMax uint32) {
	if sample <= maxMax {
		return max, maxMax
	}
	if max == 0 || sample < 2*max {
		max = maxMax
	}
	return max, sample
}
