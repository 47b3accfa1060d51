package lib

import (
	"crypto/rand"
	"encoding/binary"
	"log"
	"net"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/config"
)

// connectionConfig carries the per-connection tunables, pre-converted
// from the yaml configuration so the hot path never touches config.AppConfig.
type connectionConfig struct {
	tickInterval       time.Duration
	mss                int
	windowScale        uint8 // transmit-side scale, fixed by buffer allocation
	receiveBufferSize  int
	windowSafetyMargin int
	retransmitFloor    time.Duration
	rttFloor           time.Duration
	rttCeiling         time.Duration
	initialRtt         time.Duration
	keepaliveIdle      time.Duration
	keepaliveProbes    int
	zeroWindowBase     time.Duration
	teardownTimeout    time.Duration
	debug              bool
}

func newConnectionConfig(conf *config.Config) *connectionConfig {
	return &connectionConfig{
		tickInterval:       time.Duration(conf.TickIntervalMs) * time.Millisecond,
		mss:                conf.PreferredMSS,
		windowScale:        uint8(conf.WindowScale),
		receiveBufferSize:  conf.ReceiveBufferSize,
		windowSafetyMargin: conf.WindowSafetyMargin,
		retransmitFloor:    time.Duration(conf.RetransmitFloorMs) * time.Millisecond,
		rttFloor:           time.Duration(conf.RttFloorMs) * time.Millisecond,
		rttCeiling:         time.Duration(conf.RttCeilingMs) * time.Millisecond,
		initialRtt:         time.Duration(conf.InitialRttMs) * time.Millisecond,
		keepaliveIdle:      time.Duration(conf.KeepaliveIdleMs) * time.Millisecond,
		keepaliveProbes:    conf.KeepaliveProbes,
		zeroWindowBase:     time.Duration(conf.ZeroWindowBaseMs) * time.Millisecond,
		teardownTimeout:    time.Duration(conf.TeardownTimeoutMs) * time.Millisecond,
		debug:              conf.Debug,
	}
}

// Connection is the persistent state of one stream slot. The slots are
// allocated once at engine start and only ever reset, never destroyed.
// All fields are owned by the engine's event loop; nothing outside it
// reads or writes them.
type Connection struct {
	streamID int
	config   *connectionConfig

	state     ConnState
	localPort uint16

	// Remote endpoint, learned at SYN-receipt time and immutable until
	// the connection returns to StateClosed.
	remoteMAC  net.HardwareAddr
	remoteIP   net.IP
	remotePort uint16

	txSeq         uint32 // next byte to send
	txSeqReported uint32 // value currently on the wire; diverges from txSeq while probing
	rxAckExpected uint32 // next byte expected from the peer
	lastAckedSeq  uint32 // highest transmitted byte the peer has acknowledged

	peerWindow    uint32 // peer advertised window, post-scaling
	windowScaleTx uint8  // shift we advertised to the peer
	windowScaleRx uint8  // shift the peer asked us to apply to its raw window

	congestionWindow uint32
	slowStartActive  bool
	slowStartSpent   bool // slow start is never re-entered once it has ended

	duplicateAckCount int // saturates at DupAckThreshold
	anchorArmed       bool
	anchorStart       uint32 // sequence range already fast-retransmitted;
	anchorEnd         uint32 // suppresses a second rewind on the same gap

	retransmitTicks int // countdown, 0 means disarmed
	rttEstimate     time.Duration
	rttProbeArmed   bool
	rttProbeSeq     uint32 // the ack number that completes the in-flight sample
	rttProbeTime    time.Time

	keepaliveTicks      int
	keepaliveConfidence int // unanswered probes, saturates at keepaliveProbes

	zeroWindowStage int // exponential backoff stage while peerWindow == 0
	zeroWindowTicks int

	watchdogTicks int // bounded timer armed on entry to every transient state

	connectedFlag      bool // true in SynReceived (optimistically) and Connected
	originatorVerified bool

	pendingControl PacketClass
	synAckUnacked  bool   // the SYN-ACK byte has not been acknowledged yet
	finSeq         uint32 // sequence number our FIN occupies
	finQueued      bool
	closeRequested bool // local close request, applied on the next loop pass
}

func newConnection(streamID int, localPort uint16, conf *connectionConfig) *Connection {
	c := &Connection{
		streamID:  streamID,
		localPort: localPort,
		config:    conf,
	}
	c.reset()
	return c
}

// reset returns the slot to StateClosed and clears every timer and
// counter. It is the single teardown path: RST, watchdog expiry and the
// final ACK of an orderly close all end up here.
func (c *Connection) reset() {
	c.state = StateClosed
	c.remoteMAC = nil
	c.remoteIP = nil
	c.remotePort = 0
	c.txSeq = 0
	c.txSeqReported = 0
	c.rxAckExpected = 0
	c.lastAckedSeq = 0
	c.peerWindow = 0
	c.windowScaleTx = 0
	c.windowScaleRx = 0
	c.congestionWindow = 0
	c.slowStartActive = false
	c.slowStartSpent = false
	c.duplicateAckCount = 0
	c.anchorArmed = false
	c.retransmitTicks = 0
	c.rttEstimate = 0
	c.rttProbeArmed = false
	c.keepaliveTicks = 0
	c.keepaliveConfidence = 0
	c.zeroWindowStage = 0
	c.zeroWindowTicks = 0
	c.watchdogTicks = 0
	c.connectedFlag = false
	c.originatorVerified = false
	c.pendingControl = ClassNone
	c.synAckUnacked = false
	c.finQueued = false
	c.closeRequested = false
}

// State reports the current lifecycle state of the stream.
func (c *Connection) State() ConnState { return c.state }

// Connected reports whether the transmit path may fill data for this
// stream. It goes true already in SynReceived so payload can be staged
// while the handshake completes.
func (c *Connection) Connected() bool { return c.connectedFlag }

// StreamID returns the fixed slot index of the connection.
func (c *Connection) StreamID() int { return c.streamID }

// handleSegment applies one inbound segment to the connection. This is
// the only place connection state changes in response to the peer; the
// engine calls it from the event loop, one segment at a time.
func (c *Connection) handleSegment(seg *Segment, sb SendBuffer) {
	ev := c.classifySegment(seg)
	if ev.drop {
		return
	}

	// A verified RST tears the connection down from any state,
	// discarding an in-progress teardown as well.
	if ev.rstEvent && c.state != StateClosed {
		log.Printf("stream %d: RST from %s:%d, resetting", c.streamID, c.remoteIP, c.remotePort)
		c.reset()
		return
	}

	// Any verified segment proves the peer is alive.
	if c.state == StateConnected {
		c.keepaliveConfidence = 0
		c.armKeepalive()
	}

	switch c.state {
	case StateClosed:
		if ev.synEvent {
			c.accept(seg)
		}

	case StateSynReceived:
		// The transition out of SynReceived happens on SYN-ACK send
		// completion, not here. A fresh ACK still settles the
		// handshake byte.
		if ev.ackEventNew {
			c.applyAck(seg, sb)
		}

	case StateConnected:
		c.updatePeerWindow(seg)
		if ev.ackEvent {
			if ev.ackEventNew {
				c.applyAck(seg, sb)
			} else if c.registerDupAck(seg, ev) {
				c.fastRetransmit(sb)
			}
		}
		if ev.keepaliveProbe {
			// Echo with a bare ACK; the probe byte never enters the
			// data path.
			c.queueControl(ClassAck)
			return
		}
		if seg.PayloadLength > 0 {
			c.receiveData(seg)
		}
		if ev.finEvent {
			c.advanceForFin(seg)
			c.enterState(StateCloseWaitAckSent)
			c.queueControl(ClassAck)
		}

	case StateCloseWaitAckSent, StateCloseWaitFinSent:
		if ev.ackEventNew {
			c.applyAck(seg, sb)
		}
		if c.state == StateCloseWaitFinSent && c.finAcknowledged(seg, ev) {
			log.Printf("stream %d: orderly close complete", c.streamID)
			c.reset()
		}

	case StateFinSent:
		if ev.ackEventNew {
			c.applyAck(seg, sb)
		}

	case StateFinWaitFin, StateFinWaitAck:
		if ev.ackEventNew {
			c.applyAck(seg, sb)
		}
		if ev.finEvent {
			c.advanceForFin(seg)
			c.enterState(StateLastAck)
			c.queueControl(ClassAck)
		}

	case StateLastAck:
		// Waiting for our final ACK to leave; nothing from the peer
		// moves the state anymore.
	}
}

// accept activates a Closed slot from a valid SYN: snapshot the remote
// endpoint, pick a fresh ISN independent of the peer's sequence number,
// negotiate window scaling and queue the SYN-ACK.
func (c *Connection) accept(seg *Segment) {
	c.remoteMAC = append(net.HardwareAddr(nil), seg.SrcMAC...)
	c.remoteIP = append(net.IP(nil), seg.SrcAddr...)
	c.remotePort = seg.SourcePort
	c.originatorVerified = true

	isn := newISN()
	c.txSeq = isn
	c.txSeqReported = isn
	c.lastAckedSeq = isn
	c.rxAckExpected = SeqIncrement(seg.SequenceNumber)

	c.negotiateWindowScale(seg)
	c.updatePeerWindow(seg)
	c.initSlowStart()

	c.enterState(StateSynReceived)
	c.connectedFlag = true // optimistic, lets the send buffer fill early
	c.queueControl(ClassSynAck)
	// No RTT sample exists yet, so the SYN-ACK retransmit timer runs on
	// the configured initial estimate.
	c.armRetransmit(RtoControlMultiplier)

	log.Printf("stream %d: SYN from %s:%d accepted, ISN %d", c.streamID, c.remoteIP, c.remotePort, isn)
}

// receiveData advances rxAckExpected for in-order payload and queues an
// acknowledgment. Out-of-order payload is not buffered (the staging
// buffers live outside the engine); the duplicate ACK we emit tells the
// peer where we stand.
func (c *Connection) receiveData(seg *Segment) {
	if seg.SequenceNumber == c.rxAckExpected {
		c.rxAckExpected = SeqIncrementBy(c.rxAckExpected, uint32(seg.PayloadLength))
	}
	c.queueControl(ClassAck)
}

// advanceForFin consumes the peer's FIN octet in rxAckExpected so the
// ACK we queue covers it. Payload riding with the FIN has already been
// consumed by receiveData; the FIN octet sits right behind it. An
// out-of-order FIN is acknowledged where we stand, not consumed.
func (c *Connection) advanceForFin(seg *Segment) {
	finSeq := SeqIncrementBy(seg.SequenceNumber, uint32(seg.PayloadLength))
	if finSeq == c.rxAckExpected {
		c.rxAckExpected = SeqIncrement(c.rxAckExpected)
	}
}

// finAcknowledged reports whether the segment's ack number covers the
// FIN we sent, completing the passive-close branch.
func (c *Connection) finAcknowledged(seg *Segment, ev connEvents) bool {
	if !ev.ackEvent || !c.finQueued {
		return false
	}
	return isGreaterOrEqual(seg.AcknowledgmentNum, SeqIncrement(c.finSeq))
}

// requestClose redirects a Connected stream into the active teardown
// branch. It is also the path a failed keepalive train takes.
func (c *Connection) requestClose() {
	if c.state != StateConnected {
		return
	}
	c.enterState(StateFinSent)
	c.queueControl(ClassFin)
}

// onFrameSent is the assembler's completion callback for this stream.
// The hardware-style transitions that fire on "segment fully sent" live
// here: SYN-ACK done opens the connection, the teardown ACK/FIN sends
// walk the close sequence forward.
func (c *Connection) onFrameSent(class PacketClass) {
	if c.state == StateClosed {
		// The slot was reset (RST or watchdog) while the frame was in
		// flight; nothing left to advance.
		return
	}
	switch class {
	case ClassSynAck:
		if !c.synAckUnacked {
			// First transmission: the SYN-ACK consumes one sequence
			// number. Retransmissions reuse it.
			c.synAckUnacked = true
			c.txSeq = SeqIncrement(c.txSeq)
			c.txSeqReported = c.txSeq
		}
		c.armRetransmit(RtoControlMultiplier)
		if c.state == StateSynReceived {
			c.enterState(StateConnected)
			c.armKeepalive()
			log.Printf("stream %d: connected to %s:%d", c.streamID, c.remoteIP, c.remotePort)
		}

	case ClassAck:
		switch c.state {
		case StateCloseWaitAckSent:
			c.enterState(StateCloseWaitFinSent)
			c.queueControl(ClassFin)
		case StateLastAck:
			log.Printf("stream %d: orderly close complete", c.streamID)
			c.reset()
		}

	case ClassFin:
		if !c.finQueued {
			// First transmission: the FIN consumes one sequence number.
			// Retransmissions reuse it.
			c.finSeq = c.txSeq
			c.finQueued = true
			c.txSeq = SeqIncrement(c.txSeq)
			c.txSeqReported = c.txSeq
		}
		c.armRetransmit(RtoControlMultiplier)
		if c.state == StateFinSent {
			c.enterState(StateFinWaitFin)
		}

	case ClassProbe:
		// The probe went out one byte behind txSeq; re-align the
		// reported pointer now that assembly finished.
		c.txSeqReported = c.txSeq
	}
}

// enterState performs the bookkeeping shared by all transitions: the
// connected flag and the per-state watchdog. Every transient state gets
// a bounded timer; only Closed and Connected sit without one.
func (c *Connection) enterState(next ConnState) {
	c.state = next
	c.connectedFlag = next == StateSynReceived || next == StateConnected

	switch next {
	case StateClosed, StateConnected:
		c.watchdogTicks = 0
	default:
		c.watchdogTicks = c.durationToTicks(c.config.teardownTimeout)
	}
}

// tick advances every countdown timer by one engine tick. Timers are
// polled rather than scheduled so the whole engine stays single-threaded.
func (c *Connection) tick(sb SendBuffer) {
	if c.state == StateClosed {
		return
	}

	if c.closeRequested {
		c.closeRequested = false
		c.requestClose()
	}

	if c.watchdogTicks > 0 {
		c.watchdogTicks--
		if c.watchdogTicks == 0 {
			log.Printf("stream %d: watchdog expired in %s, abnormal termination", c.streamID, c.state)
			c.reset()
			return
		}
	}

	if c.retransmitTicks > 0 {
		c.retransmitTicks--
		if c.retransmitTicks == 0 {
			c.retransmitTimeout(sb)
		}
	}

	if c.state == StateConnected {
		c.tickKeepalive()
		c.tickZeroWindow(sb)
	}
}

func (c *Connection) armKeepalive() {
	c.keepaliveTicks = c.durationToTicks(c.config.keepaliveIdle)
}

func (c *Connection) tickKeepalive() {
	if c.keepaliveTicks <= 0 {
		return
	}
	c.keepaliveTicks--
	if c.keepaliveTicks > 0 {
		return
	}
	if c.keepaliveConfidence >= c.config.keepaliveProbes {
		// The link is considered broken; take the active-close branch.
		log.Printf("stream %d: keepalive failed after %d probes, closing", c.streamID, c.keepaliveConfidence)
		c.requestClose()
		return
	}
	c.keepaliveConfidence++
	c.queueControl(ClassProbe)
	c.armKeepalive()
}

// tickZeroWindow runs the exponential-backoff probe while the peer
// advertises a zero window and we still have bytes to move.
func (c *Connection) tickZeroWindow(sb SendBuffer) {
	if c.peerWindow != 0 || sb.BytesReady(c.streamID) == 0 {
		c.zeroWindowStage = 0
		c.zeroWindowTicks = 0
		return
	}
	if c.zeroWindowTicks == 0 {
		// First tick after the window closed: arm stage 0.
		c.zeroWindowTicks = c.durationToTicks(c.config.zeroWindowBase)
		return
	}
	c.zeroWindowTicks--
	if c.zeroWindowTicks > 0 {
		return
	}
	c.queueControl(ClassProbe)
	if c.zeroWindowStage < ZeroWindowMaxStage {
		c.zeroWindowStage++
	}
	c.zeroWindowTicks = c.durationToTicks(c.config.zeroWindowBase) << c.zeroWindowStage
}

// queueControl records the control segment class the state machine wants
// on the wire. The slot holds one class; a FIN or SYN-ACK already queued
// is never downgraded to a bare ACK by a later event. A queued probe
// yields to an ACK: the ACK at rxAckExpected subsumes it, and teardown
// transitions fire on ACK send completion, which a probe would stall.
func (c *Connection) queueControl(class PacketClass) {
	switch {
	case c.pendingControl == ClassNone:
		c.pendingControl = class
	case class == ClassSynAck || class == ClassFin:
		c.pendingControl = class
	case class == ClassAck && c.pendingControl == ClassProbe:
		c.pendingControl = class
	}
}

func (c *Connection) durationToTicks(d time.Duration) int {
	ticks := int(d / c.config.tickInterval)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// newISN draws a fresh initial sequence number. It is independent of the
// peer's sequence number by construction.
func newISN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a broken platform; fall back to a
		// time-derived value rather than aborting the accept.
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
