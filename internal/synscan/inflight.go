package synscan

import "time"

// numRetries is the retransmission ceiling: a probe entry that has already
// been retransmitted this many times is retired instead of retried again.
const numRetries = 2

// probeEntry is one outstanding SYN probe: the port it targets, the
// encoded send time of its most recent transmission, and how many times
// it has been retransmitted.
type probeEntry struct {
	sentEnc uint32
	retries int
}

// inFlightTable is the mutable set of outstanding probes, keyed by
// destination port. Ordering is never significant to correctness, so a
// plain map gives O(1) insert/lookup/remove with no linkage bookkeeping.
type inFlightTable map[uint16]*probeEntry

func newInFlightTable() inFlightTable {
	return make(inFlightTable)
}

// add registers a transmission to port at the given encoded send time. If
// an entry for port already exists this is a retransmission: its retry
// count is incremented and its send time overwritten.
func (t inFlightTable) add(port uint16, sentEnc uint32) {
	if e, ok := t[port]; ok {
		e.retries++
		e.sentEnc = sentEnc
		return
	}
	t[port] = &probeEntry{sentEnc: sentEnc, retries: 0}
}

// lookup returns the entry for port, if any.
func (t inFlightTable) lookup(port uint16) (probeEntry, bool) {
	e, ok := t[port]
	if !ok {
		return probeEntry{}, false
	}
	return *e, true
}

// remove drops the entry for port, if present. Absence is not an error:
// it may occur when the replying port lies outside the scanned set, or
// when the RTT is shorter than one send cycle.
func (t inFlightTable) remove(port uint16) {
	delete(t, port)
}

// sweep classifies every entry against the liveness predicate: a dead
// entry below the retry ceiling becomes the (single) retry candidate
// returned from this call; a dead entry at the ceiling is dropped. Live
// entries are left untouched. Only the last retry-eligible port seen is
// returned.
func (t inFlightTable) sweep(now time.Time) (retryPort uint16) {
	for port, e := range t {
		if !isDead(e.sentEnc, now) {
			continue
		}
		if e.retries < numRetries {
			retryPort = port
			continue
		}
		delete(t, port)
	}
	return retryPort
}
