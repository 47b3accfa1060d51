package lib

import (
	"log"
	"time"
)

// Retransmission and RTT engine: per-connection retransmit timer, RTT
// sampling, duplicate-ACK counting and the fast-retransmit rewind.
//
// Deliberate deviation from RFC 6298: there is no exponential backoff
// across repeated timeouts for the same segment. Every re-arm uses the
// same RTT-derived value, clamped by the configured floor.

// applyAck processes a fresh (non-duplicate) acknowledgment: complete
// the RTT sample it may answer, release acknowledged bytes from the
// send buffer, grow the congestion window and settle the timer.
func (c *Connection) applyAck(seg *Segment, sb SendBuffer) {
	acked := seg.AcknowledgmentNum

	if c.rttProbeArmed && isGreaterOrEqual(acked, c.rttProbeSeq) {
		c.sampleRtt()
	}

	sb.Acknowledged(c.streamID, acked)
	c.lastAckedSeq = acked
	c.duplicateAckCount = 0
	c.synAckUnacked = false // the first advancing ack covers the SYN-ACK byte

	// Once the ack moves past the anchored range the gap it covered is
	// gone; the next loss episode gets a fresh fast retransmit.
	if c.anchorArmed && isGreaterOrEqual(acked, c.anchorEnd) {
		c.anchorArmed = false
	}

	c.growCongestionWindow()

	if acked == c.txSeq {
		// Everything outstanding is acknowledged; the next data send
		// re-arms the timer.
		c.disarmRetransmit()
	}
}

// armRetransmit arms the countdown from the RTT estimate. Data-bearing
// segments use the larger multiplier, SYN-ACK and other control
// retransmits the smaller one; both respect the configured floor, so the
// timeout never drops below one second regardless of the estimate.
func (c *Connection) armRetransmit(multiplier int) {
	rtt := c.rttEstimate
	if rtt == 0 {
		// No sample yet (fresh connection); run on the conservative
		// configured default.
		rtt = c.config.initialRtt
	}
	rto := time.Duration(multiplier) * rtt
	if rto < c.config.retransmitFloor {
		rto = c.config.retransmitFloor
	}
	// Last writer wins: an already-running timer is simply overwritten.
	c.retransmitTicks = c.durationToTicks(rto)
}

func (c *Connection) disarmRetransmit() {
	c.retransmitTicks = 0
}

// startRttProbe begins timing a data segment. Only one sample is in
// flight at a time; a new one starts after the previous completes.
func (c *Connection) startRttProbe(endSeq uint32) {
	if c.rttProbeArmed {
		return
	}
	c.rttProbeArmed = true
	c.rttProbeSeq = endSeq
	c.rttProbeTime = time.Now()
}

// sampleRtt folds the elapsed send-to-ack delay into the estimate,
// clamped to the configured ceiling, with the floor applied to samples
// too small to be plausible.
func (c *Connection) sampleRtt() {
	sample := time.Since(c.rttProbeTime)
	if sample < c.config.rttFloor {
		sample = c.config.rttFloor
	}
	if sample > c.config.rttCeiling {
		sample = c.config.rttCeiling
	}
	c.rttEstimate = sample
	c.rttProbeArmed = false
}

// registerDupAck counts consecutive ACKs that repeat the current
// lastAckedSeq without carrying data. It reports true when the run hits
// the fast-retransmit threshold and the gap was not already rewound.
func (c *Connection) registerDupAck(seg *Segment, ev connEvents) bool {
	if !ev.ackEvent || ev.ackEventNew {
		return false
	}
	if seg.AcknowledgmentNum != c.lastAckedSeq || seg.PayloadLength != 0 {
		return false
	}
	if seg.Flags&(SYNFlag|FINFlag) != 0 {
		return false
	}
	if ev.keepaliveProbe {
		// A peer keepalive repeats the current ack by construction; it
		// says nothing about loss.
		return false
	}
	if c.lastAckedSeq == c.txSeq {
		// Nothing outstanding; the repeat is a window update or echo,
		// not a loss signal.
		return false
	}

	if c.duplicateAckCount < DupAckThreshold {
		c.duplicateAckCount++
	}
	if c.duplicateAckCount < DupAckThreshold {
		return false
	}
	if c.anchorArmed && seqInRange(c.lastAckedSeq, c.anchorStart, c.anchorEnd) {
		// This gap was already retransmitted; propagation-delayed
		// duplicates must not refire the rewind.
		return false
	}
	return true
}

// fastRetransmit rewinds the transmit pointer to the first
// unacknowledged byte and anchors the rewound range so the same gap is
// only retransmitted once per loss episode.
func (c *Connection) fastRetransmit(sb SendBuffer) {
	log.Printf("stream %d: fast retransmit, rewinding to %d", c.streamID, c.lastAckedSeq)
	c.anchorStart = c.lastAckedSeq
	c.anchorEnd = c.txSeq
	c.anchorArmed = true
	c.rewindTransmit(sb)
	c.armRetransmit(RtoDataMultiplier)
}

// retransmitTimeout fires when the countdown reaches zero: control
// segments still pending are re-queued, outstanding data is rewound the
// same way fast retransmit does it.
func (c *Connection) retransmitTimeout(sb SendBuffer) {
	if c.synAckUnacked {
		// The handshake byte is still outstanding; resend the SYN-ACK
		// before anything else. Its completion re-arms the timer.
		c.queueControl(ClassSynAck)
		return
	}

	switch c.state {
	case StateSynReceived:
		c.queueControl(ClassSynAck)

	case StateConnected:
		if c.lastAckedSeq == c.txSeq {
			return // nothing outstanding after all
		}
		log.Printf("stream %d: retransmission timeout, rewinding to %d", c.streamID, c.lastAckedSeq)
		c.anchorStart = c.lastAckedSeq
		c.anchorEnd = c.txSeq
		c.anchorArmed = true
		c.rewindTransmit(sb)
		c.armRetransmit(RtoDataMultiplier)

	default:
		if c.finQueued {
			c.queueControl(ClassFin)
		}
	}
}

// rewindTransmit pulls txSeq back to the first unacknowledged byte, asks
// the send buffer to re-offer those bytes, and invalidates the RTT probe
// (the retransmitted range would poison the sample).
func (c *Connection) rewindTransmit(sb SendBuffer) {
	c.txSeq = c.lastAckedSeq
	c.txSeqReported = c.txSeq
	c.duplicateAckCount = 0
	c.rttProbeArmed = false
	sb.Rewind(c.streamID, c.lastAckedSeq)
}
