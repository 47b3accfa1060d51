package lib

import "net"

// Segment is the structured descriptor of one inbound TCP segment as
// produced by the segment decoder. The engine never touches wire bytes;
// everything it needs arrives through these fields.
type Segment struct {
	SrcAddr, DestAddr net.IP
	SrcMAC            net.HardwareAddr // originator MAC captured from the frame
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	DataOffset        uint8 // header length in 32-bit words
	Flags             uint8
	WindowSize        uint16 // raw advertised window, pre-scaling
	Options           SegmentOptions
	PayloadLength     int
	Payload           []byte
	// Valid is the end-of-segment frame validity verdict (checksum and
	// address match). It is only trustworthy once the whole segment has
	// been received, so the classifier checks it before anything else.
	Valid bool
}

// SegmentOptions carries the TCP options the decoder understands.
// MSS and SACK-permitted are decoded but the engine does not act on them.
type SegmentOptions struct {
	MSS                   uint16
	MSSPresent            bool
	WindowScaleShiftCount uint8
	WindowScalePresent    bool
	PermitSack            bool
}

// HasFlags reports whether all flags in mask are set on the segment.
func (s *Segment) HasFlags(mask uint8) bool {
	return s.Flags&mask == mask
}

// TxSnapshot is the frozen per-stream metadata handed to the segment
// assembler when the transmit scheduler dispatches a stream. It is
// copied out of the connection at grant time so later state changes
// cannot corrupt an assembly already in flight.
type TxSnapshot struct {
	StreamID          int
	Class             PacketClass
	RemoteMAC         net.HardwareAddr
	RemoteAddr        net.IP
	RemotePort        uint16
	LocalPort         uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16 // advertised window, post-scaling
	WindowScale       uint8  // only meaningful on SYN-ACK segments
	PayloadSize       int    // data segments: bytes requested from the send buffer
}
