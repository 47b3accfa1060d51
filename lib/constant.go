package lib

// ConnState enumerates the lifecycle states of one connection slot.
// The zero value is StateClosed so a freshly allocated connection table
// starts out fully closed.
type ConnState uint8

const (
	StateClosed           ConnState = iota // no connection; also the listen state for a new SYN
	StateSynReceived                       // SYN accepted, SYN-ACK queued but not fully sent yet
	StateConnected                         // data transfer phase
	StateCloseWaitAckSent                  // peer FIN received, our ACK queued
	StateCloseWaitFinSent                  // ACK for peer FIN sent, our FIN queued
	StateLastAck                           // peer FIN received after ours, final ACK queued
	StateFinSent                           // local close requested, our FIN queued
	StateFinWaitFin                        // our FIN sent, waiting for the peer's FIN
	StateFinWaitAck                        // retained teardown slot; the close sequence currently
	// goes straight from StateFinWaitFin to StateLastAck
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateSynReceived:
		return "SynReceived"
	case StateConnected:
		return "Connected"
	case StateCloseWaitAckSent:
		return "CloseWaitAckSent"
	case StateCloseWaitFinSent:
		return "CloseWaitFinSent"
	case StateLastAck:
		return "LastAck"
	case StateFinSent:
		return "FinSent"
	case StateFinWaitFin:
		return "FinWaitFin"
	case StateFinWaitAck:
		return "FinWaitAck"
	}
	return "Unknown"
}

// PacketClass tells the segment assembler what kind of outgoing segment
// a stream has queued. At most one control class is pending per stream.
type PacketClass uint8

const (
	ClassNone   PacketClass = iota // nothing queued
	ClassSynAck                    // handshake reply
	ClassAck                       // bare acknowledgment
	ClassData                      // payload-bearing segment
	ClassFin                       // FIN|ACK teardown segment
	ClassProbe                     // keepalive / zero-window probe (bare ACK at txSeqReported-1)
)

func (c PacketClass) String() string {
	switch c {
	case ClassNone:
		return "None"
	case ClassSynAck:
		return "SynAck"
	case ClassAck:
		return "Ack"
	case ClassData:
		return "Data"
	case ClassFin:
		return "Fin"
	case ClassProbe:
		return "Probe"
	}
	return "Unknown"
}

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpOptionsMaxLength = 40
	TcpHeaderLength     = 20 // options not included
	MaxWindowScale      = 14
	DupAckThreshold     = 3 // consecutive duplicate ACKs triggering fast retransmit

	// Retransmission timeout multipliers applied to the RTT estimate.
	// Data segments get the larger one; SYN-ACK and bare control
	// retransmits use the smaller.
	RtoDataMultiplier    = 32
	RtoControlMultiplier = 16

	// Zero-window probe backoff caps at base interval times 16.
	ZeroWindowMaxStage = 4
)
