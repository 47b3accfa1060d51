package lib

import "bytes"

// connEvents is the set of named events derived from one inbound segment
// against the state of the connection it addresses. The classifier runs
// exactly once per segment; everything downstream (state machine, flow
// control, retransmission engine) keys off these booleans instead of
// re-inspecting the raw segment.
type connEvents struct {
	synEvent       bool // SYN present on a validity-confirmed segment
	ackEvent       bool // ACK flag present
	ackEventNew    bool // the ack number advanced past lastAckedSeq
	finEvent       bool // FIN present and origin-verified
	rstEvent       bool // RST present and origin-verified
	keepaliveProbe bool // zero-payload segment one byte behind rxAckExpected
	drop           bool // treat the segment as absent, no state change at all
}

// classifySegment derives the event set for an inbound segment addressed
// to this connection. A segment whose origin does not match the endpoint
// captured at SYN time is dropped outright so spoofed resets and acks
// cannot touch an established connection.
func (c *Connection) classifySegment(seg *Segment) connEvents {
	var ev connEvents

	if !seg.Valid {
		ev.drop = true
		return ev
	}

	if c.originatorVerified && !c.originMatches(seg) {
		ev.drop = true
		return ev
	}

	ev.synEvent = seg.HasFlags(SYNFlag)
	ev.ackEvent = seg.HasFlags(ACKFlag)
	ev.finEvent = seg.HasFlags(FINFlag)
	ev.rstEvent = seg.HasFlags(RSTFlag)

	if ev.ackEvent {
		// A fresh acknowledgment moves past lastAckedSeq but never past
		// what we have actually sent.
		ev.ackEventNew = isGreater(seg.AcknowledgmentNum, c.lastAckedSeq) &&
			isLessOrEqual(seg.AcknowledgmentNum, c.highestSentSeq())
	}

	// A peer keepalive probe sits one byte behind the next expected
	// sequence number and carries no payload. It is answered with a bare
	// ACK and never reaches the data path.
	if c.state == StateConnected &&
		!ev.synEvent && !ev.finEvent && !ev.rstEvent &&
		seg.PayloadLength == 0 &&
		seg.SequenceNumber == SeqDecrement(c.rxAckExpected) {
		ev.keepaliveProbe = true
	}

	return ev
}

// originMatches compares the segment's source against the remote endpoint
// captured when the SYN was accepted. The MAC is only checked when both
// sides carry one; a decoder fed from a non-Ethernet path leaves it nil.
func (c *Connection) originMatches(seg *Segment) bool {
	if seg.SourcePort != c.remotePort {
		return false
	}
	if !seg.SrcAddr.Equal(c.remoteIP) {
		return false
	}
	if len(c.remoteMAC) > 0 && len(seg.SrcMAC) > 0 && !bytes.Equal(c.remoteMAC, seg.SrcMAC) {
		return false
	}
	return true
}

// highestSentSeq returns the sequence number one past the last byte the
// connection has handed to the assembler, which is what a fully
// acknowledging ACK may legally point at.
func (c *Connection) highestSentSeq() uint32 {
	return c.txSeq
}
