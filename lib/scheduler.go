package lib

import "net"

// transmitScheduler arbitrates the single outgoing-segment path. At most
// one segment assembly is in flight system-wide; a queued control
// segment on any stream beats data on any stream, and within each class
// the lowest stream index goes first. Dispatch snapshots every field the
// assembler needs so per-connection state can keep moving underneath an
// assembly without corrupting it.
type transmitScheduler struct {
	conns   []*Connection
	sendBuf SendBuffer

	busy        bool // a frame is being assembled; nothing else may start
	grantStream int
	grantClass  PacketClass
}

func newTransmitScheduler(conns []*Connection, sb SendBuffer) *transmitScheduler {
	return &transmitScheduler{
		conns:   conns,
		sendBuf: sb,
	}
}

// next picks the stream that gets the assembly path, or reports that
// nothing is ready. The caller owns the returned snapshot.
func (s *transmitScheduler) next() (*TxSnapshot, bool) {
	if s.busy {
		return nil, false
	}

	// Control segments first, fixed priority order across streams.
	for _, c := range s.conns {
		if c.pendingControl == ClassNone {
			continue
		}
		snap := s.snapshotControl(c)
		c.pendingControl = ClassNone
		s.grant(snap)
		return snap, true
	}

	// Then data, same stream order.
	for _, c := range s.conns {
		if !c.connectedFlag {
			continue
		}
		ready := s.sendBuf.BytesReady(c.streamID)
		if ready == 0 {
			continue
		}
		win := c.effectiveSendWindow()
		if win == 0 {
			continue
		}

		size := ready
		if size > win {
			size = win
		}
		if size > c.config.mss {
			size = c.config.mss
		}
		if ready < c.config.mss && !s.sendBuf.FlushIdle(c.streamID) {
			// Below one MSS and nobody asked for a flush; wait for
			// more bytes to coalesce.
			continue
		}

		snap := s.snapshotData(c, size)
		s.grant(snap)
		return snap, true
	}

	return nil, false
}

func (s *transmitScheduler) grant(snap *TxSnapshot) {
	s.busy = true
	s.grantStream = snap.StreamID
	s.grantClass = snap.Class
}

// frameComplete is the assembler's end-of-frame signal. It releases the
// assembly path and drives the send-completion transitions of the
// granted stream's state machine.
func (s *transmitScheduler) frameComplete() {
	if !s.busy {
		return
	}
	s.busy = false
	s.conns[s.grantStream].onFrameSent(s.grantClass)
}

// snapshotControl freezes the metadata of a queued control segment.
func (s *transmitScheduler) snapshotControl(c *Connection) *TxSnapshot {
	snap := &TxSnapshot{
		StreamID:          c.streamID,
		Class:             c.pendingControl,
		RemoteMAC:         append(net.HardwareAddr(nil), c.remoteMAC...),
		RemoteAddr:        append(net.IP(nil), c.remoteIP...),
		RemotePort:        c.remotePort,
		LocalPort:         c.localPort,
		AcknowledgmentNum: c.rxAckExpected,
		WindowSize:        c.advertisedWindow(s.sendBuf),
	}

	switch c.pendingControl {
	case ClassSynAck:
		// Scaling never applies to the SYN-ACK itself; the shift rides
		// along as an option instead.
		snap.SequenceNumber = c.lastAckedSeq
		snap.Flags = SYNFlag | ACKFlag
		snap.WindowSize = c.unscaledWindow(s.sendBuf)
		snap.WindowScale = c.windowScaleTx

	case ClassAck:
		snap.SequenceNumber = c.txSeq
		snap.Flags = ACKFlag

	case ClassFin:
		// A retransmitted FIN reuses the sequence number the first
		// transmission consumed.
		snap.SequenceNumber = c.txSeq
		if c.finQueued {
			snap.SequenceNumber = c.finSeq
		}
		snap.Flags = FINFlag | ACKFlag

	case ClassProbe:
		// The probe sits one byte behind the reported pointer, which
		// diverges from txSeq until the frame completes.
		snap.SequenceNumber = SeqDecrement(c.txSeq)
		snap.Flags = ACKFlag
		c.txSeqReported = snap.SequenceNumber
	}

	return snap
}

// snapshotData freezes a data segment of the given payload size and
// advances the transmit pointer past it.
func (s *transmitScheduler) snapshotData(c *Connection, size int) *TxSnapshot {
	snap := &TxSnapshot{
		StreamID:          c.streamID,
		Class:             ClassData,
		RemoteMAC:         append(net.HardwareAddr(nil), c.remoteMAC...),
		RemoteAddr:        append(net.IP(nil), c.remoteIP...),
		RemotePort:        c.remotePort,
		LocalPort:         c.localPort,
		SequenceNumber:    c.txSeq,
		AcknowledgmentNum: c.rxAckExpected,
		Flags:             ACKFlag | PSHFlag,
		WindowSize:        c.advertisedWindow(s.sendBuf),
		PayloadSize:       size,
	}

	c.txSeq = SeqIncrementBy(c.txSeq, uint32(size))
	c.txSeqReported = c.txSeq
	c.armRetransmit(RtoDataMultiplier)
	c.startRttProbe(c.txSeq)

	return snap
}

// unscaledWindow is the raw advertisement used on SYN-ACK segments.
func (c *Connection) unscaledWindow(sb SendBuffer) uint16 {
	free := sb.FreeReceiveSpace(c.streamID) - c.config.windowSafetyMargin
	if free < 0 {
		free = 0
	}
	if free > 0xFFFF {
		free = 0xFFFF
	}
	return uint16(free)
}
