package lib

// Flow-control and window engine: effective send window against the
// peer's advertisement, receive window advertisement with scaling, and
// the one-shot slow start the engine runs after connection setup.

// negotiateWindowScale applies RFC 7323 style scale negotiation from the
// peer's SYN options. Our transmit-side shift is fixed by configuration
// (it reflects the allocated receive buffer); the receive-side shift is
// taken from the peer only when both ends play along. A missing offer on
// either side degrades that connection to unscaled operation.
func (c *Connection) negotiateWindowScale(syn *Segment) {
	if c.config.windowScale > 0 && syn.Options.WindowScalePresent {
		c.windowScaleTx = c.config.windowScale
		c.windowScaleRx = syn.Options.WindowScaleShiftCount
	} else {
		c.windowScaleTx = 0
		c.windowScaleRx = 0
	}
}

// updatePeerWindow tracks the peer's advertised window. The raw 16-bit
// field is widened by the negotiated receive-side shift, except on SYN
// segments where scaling never applies.
func (c *Connection) updatePeerWindow(seg *Segment) {
	if seg.Flags&SYNFlag != 0 {
		c.peerWindow = uint32(seg.WindowSize)
		return
	}
	c.peerWindow = uint32(seg.WindowSize) << c.windowScaleRx
}

// advertisedWindow computes the raw window value to put on the wire:
// free receive-buffer space less the safety margin (covering the latency
// between sampling free space and the advertisement arriving), scaled
// down by our shift and clamped to 16 bits.
func (c *Connection) advertisedWindow(sb SendBuffer) uint16 {
	free := sb.FreeReceiveSpace(c.streamID) - c.config.windowSafetyMargin
	if free < 0 {
		free = 0
	}
	raw := uint32(free) >> c.windowScaleTx
	if raw > 0xFFFF {
		raw = 0xFFFF
	}
	return uint16(raw)
}

// initSlowStart opens the congestion window at one MSS. Growth happens
// in growCongestionWindow, driven by fresh acknowledgments.
func (c *Connection) initSlowStart() {
	c.congestionWindow = uint32(c.config.mss)
	c.slowStartActive = true
	c.slowStartSpent = false
}

// growCongestionWindow doubles the congestion window on every new
// (non-duplicate) acknowledgment until it reaches the peer's advertised
// window. At that point slow start ends for good on this connection; it
// is never re-entered, not even after a loss episode.
func (c *Connection) growCongestionWindow() {
	if !c.slowStartActive {
		return
	}
	c.congestionWindow *= 2
	if c.congestionWindow >= c.peerWindow && c.peerWindow > 0 {
		c.congestionWindow = c.peerWindow
		c.slowStartActive = false
		c.slowStartSpent = true
	}
}

// effectiveSendWindow returns how many payload bytes the stream may put
// in flight right now. The right edge of the peer's window sits at
// lastAckedSeq + peerWindow; what remains is that edge minus txSeq.
// While slow start is active the ceiling is the congestion window
// instead, and in-flight bytes count against it the same way.
func (c *Connection) effectiveSendWindow() int {
	ceiling := c.peerWindow
	if c.slowStartActive && c.congestionWindow < ceiling {
		ceiling = c.congestionWindow
	}

	inFlight := SeqDelta(c.txSeq, c.lastAckedSeq)
	if inFlight >= ceiling {
		return 0
	}

	// The same safety margin that pads the advertisement is held back
	// here, covering the lag between the peer sampling its free space
	// and our data arriving.
	usable := int(ceiling-inFlight) - c.config.windowSafetyMargin
	if usable < 0 {
		usable = 0
	}
	return usable
}
