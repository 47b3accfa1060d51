package lib

import (
	"net"
	"testing"
)

func TestClassifyDropsInvalidSegment(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)

	seg := peerSegment(c, ACKFlag)
	seg.Valid = false
	ev := c.classifySegment(seg)
	if !ev.drop {
		t.Error("validity-failed segment must be dropped")
	}
}

func TestClassifyDropsMismatchedOrigin(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)

	testCases := []struct {
		name   string
		mutate func(seg *Segment)
	}{
		{"wrong port", func(seg *Segment) { seg.SourcePort = 40001 }},
		{"wrong address", func(seg *Segment) { seg.SrcAddr = net.ParseIP("10.0.0.99") }},
		{"wrong MAC", func(seg *Segment) { seg.SrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x99} }},
	}

	for _, tc := range testCases {
		seg := peerSegment(c, ACKFlag)
		seg.SequenceNumber = c.rxAckExpected
		seg.AcknowledgmentNum = c.txSeq
		tc.mutate(seg)
		if ev := c.classifySegment(seg); !ev.drop {
			t.Errorf("%s: segment not dropped", tc.name)
		}
	}
}

func TestClassifyAllowsMissingMAC(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)

	// A decoder fed from a non-Ethernet path carries no MAC; the check
	// falls back to address and port.
	seg := peerSegment(c, ACKFlag)
	seg.SrcMAC = nil
	if ev := c.classifySegment(seg); ev.drop {
		t.Error("segment without a source MAC should pass origin verification")
	}
}

func TestAckEventNewBounds(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)
	c.txSeq = SeqIncrementBy(c.txSeq, 1000) // 1000 bytes in flight

	testCases := []struct {
		name string
		ack  uint32
		want bool
	}{
		{"repeat of lastAckedSeq", c.lastAckedSeq, false},
		{"partial advance", SeqIncrementBy(c.lastAckedSeq, 500), true},
		{"full advance", c.txSeq, true},
		{"beyond what was sent", SeqIncrementBy(c.txSeq, 1), false},
	}

	for _, tc := range testCases {
		seg := peerSegment(c, ACKFlag)
		seg.SequenceNumber = c.rxAckExpected
		seg.AcknowledgmentNum = tc.ack
		ev := c.classifySegment(seg)
		if ev.ackEventNew != tc.want {
			t.Errorf("%s: ackEventNew = %t, want %t", tc.name, ev.ackEventNew, tc.want)
		}
	}
}

func TestClassifyKeepaliveProbe(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)

	probe := peerSegment(c, ACKFlag)
	probe.SequenceNumber = SeqDecrement(c.rxAckExpected)
	probe.AcknowledgmentNum = c.txSeq
	if ev := c.classifySegment(probe); !ev.keepaliveProbe {
		t.Error("zero-payload segment one byte behind rxAckExpected is a keepalive probe")
	}

	// The same sequence number with payload is old data, not a probe.
	stale := peerSegment(c, ACKFlag)
	stale.SequenceNumber = SeqDecrement(c.rxAckExpected)
	stale.AcknowledgmentNum = c.txSeq
	stale.Payload = []byte("x")
	stale.PayloadLength = 1
	if ev := c.classifySegment(stale); ev.keepaliveProbe {
		t.Error("payload-bearing segment misclassified as a keepalive probe")
	}

	// A FIN at that offset is teardown, not a probe.
	fin := peerSegment(c, FINFlag|ACKFlag)
	fin.SequenceNumber = SeqDecrement(c.rxAckExpected)
	fin.AcknowledgmentNum = c.txSeq
	if ev := c.classifySegment(fin); ev.keepaliveProbe {
		t.Error("FIN misclassified as a keepalive probe")
	}
}

func TestClassifyFlagEvents(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	establish(t, c)

	seg := peerSegment(c, SYNFlag|ACKFlag|FINFlag|RSTFlag)
	seg.SequenceNumber = c.rxAckExpected
	ev := c.classifySegment(seg)
	if !ev.synEvent || !ev.ackEvent || !ev.finEvent || !ev.rstEvent {
		t.Errorf("flag events = %+v, want all four set", ev)
	}
}
