package synscan

import (
	"testing"
	"time"
)

func TestEncodeDecodeTimestampRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 3, 123_400_000, time.UTC)
	enc := encodeTimestamp(base)

	if sec := (enc & 0xf0000000) >> 28; sec != uint32(base.Unix())&0x0f {
		t.Fatalf("encoded second nibble = %d, want %d", sec, uint32(base.Unix())&0x0f)
	}

	dec := decodeTimestamp(enc)
	// Microsecond resolution is coarsened to multiples of 16us; the
	// decoded duration must round-trip to within that granularity.
	usec := dec % time.Second
	if usec%(16*time.Microsecond) != 0 {
		t.Fatalf("decoded microseconds %v not a multiple of 16us", usec)
	}
}

func TestSampleRTTZeroOnWrap(t *testing.T) {
	now := time.Unix(1000, 0)
	future := encodeTimestamp(now.Add(time.Second)) + 1
	if sample := sampleRTT(now, future); sample != 0 {
		t.Fatalf("sampleRTT with future ack = %d, want 0", sample)
	}
}

func TestSampleRTTSaturates(t *testing.T) {
	now := time.Unix(1000, 0)
	// then = ack-1; pick an ack far enough in the past (within the 16s
	// wheel) that the elapsed time exceeds the saturation bound.
	thenEnc := encodeTimestamp(now) - (rttSaturation + 1)
	sample := sampleRTT(now, thenEnc+1)
	if sample != rttSaturation {
		t.Fatalf("sampleRTT = %d, want saturation %d", sample, rttSaturation)
	}
}

func TestEstimatorUpdateIgnoresZeroSample(t *testing.T) {
	e := newRTTEstimator()
	e.update(12345)
	e.update(0)
	if e.estimate != 12345 {
		t.Fatalf("estimate = %d, want 12345 (zero sample should be ignored)", e.estimate)
	}
}

func TestEstimatorDeadlineClampedToOneSecond(t *testing.T) {
	e := &rttEstimator{estimate: rttSaturation}
	if d := e.deadline(); d > time.Second {
		t.Fatalf("deadline = %v, want <= 1s", d)
	}
}

func TestIsDeadBeyondTwiceSaturation(t *testing.T) {
	sent := uint32(0)
	now := time.Unix(0, 0).Add(time.Duration(deadTwiceRTT) * time.Second / (1 << 28))
	if !isDead(sent, now) {
		t.Fatalf("isDead should be true once twice the saturation bound has elapsed")
	}
}

func TestIsDeadNotYet(t *testing.T) {
	now := time.Unix(5, 0)
	sent := encodeTimestamp(now)
	if isDead(sent, now) {
		t.Fatalf("isDead should be false for a probe sent at `now`")
	}
}
