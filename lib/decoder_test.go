package lib

import (
	"bytes"
	"net"
	"testing"
)

// rawTCP hand-builds a TCP header so the decoder is tested against known
// wire bytes rather than against gopacket's own serializer.
func rawTCP(flags uint8, options, payload []byte) []byte {
	offsetWords := (TcpHeaderLength + len(options)) / 4
	hdr := make([]byte, TcpHeaderLength)
	hdr[0], hdr[1] = 0x9C, 0x40 // source port 40000
	hdr[2], hdr[3] = 0x22, 0xC5 // destination port 8901
	hdr[4], hdr[5], hdr[6], hdr[7] = 0x00, 0x00, 0x03, 0xE8     // seq 1000
	hdr[8], hdr[9], hdr[10], hdr[11] = 0x00, 0x00, 0x07, 0xD0   // ack 2000
	hdr[12] = uint8(offsetWords) << 4
	hdr[13] = flags
	hdr[14], hdr[15] = 0x10, 0x00 // window 0x1000

	buf := append(hdr, options...)
	return append(buf, payload...)
}

func TestDecodeSegment(t *testing.T) {
	src := net.ParseIP("10.0.0.2")
	dst := net.ParseIP("10.0.0.1")
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}

	seg, err := DecodeSegment(rawTCP(0x18, nil, []byte("hello")), src, dst, mac, true)
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}

	if seg.SourcePort != 40000 || seg.DestinationPort != 8901 {
		t.Errorf("ports = %d->%d, want 40000->8901", seg.SourcePort, seg.DestinationPort)
	}
	if seg.SequenceNumber != 1000 || seg.AcknowledgmentNum != 2000 {
		t.Errorf("seq/ack = %d/%d, want 1000/2000", seg.SequenceNumber, seg.AcknowledgmentNum)
	}
	if seg.Flags != ACKFlag|PSHFlag {
		t.Errorf("flags = %#x, want ACK|PSH", seg.Flags)
	}
	if seg.WindowSize != 0x1000 {
		t.Errorf("window = %#x, want 0x1000", seg.WindowSize)
	}
	if seg.PayloadLength != 5 || !bytes.Equal(seg.Payload, []byte("hello")) {
		t.Errorf("payload = %q (%d bytes), want \"hello\"", seg.Payload, seg.PayloadLength)
	}
	if !seg.Valid {
		t.Error("frame validity verdict not carried into the segment")
	}
	if !seg.SrcAddr.Equal(src) || !bytes.Equal(seg.SrcMAC, mac) {
		t.Error("addressing metadata not carried into the segment")
	}
}

func TestDecodeSegmentOptions(t *testing.T) {
	options := []byte{
		0x02, 0x04, 0x05, 0xA0, // MSS 1440
		0x03, 0x03, 0x04, // window scale, shift 4
		0x01, // NOP padding
	}
	seg, err := DecodeSegment(rawTCP(SYNFlag, options, nil), net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"), nil, true)
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}

	if !seg.Options.MSSPresent || seg.Options.MSS != 1440 {
		t.Errorf("MSS option = (%t, %d), want (true, 1440)", seg.Options.MSSPresent, seg.Options.MSS)
	}
	if !seg.Options.WindowScalePresent || seg.Options.WindowScaleShiftCount != 4 {
		t.Errorf("window scale option = (%t, %d), want (true, 4)",
			seg.Options.WindowScalePresent, seg.Options.WindowScaleShiftCount)
	}
	if seg.Flags&SYNFlag == 0 {
		t.Error("SYN flag lost in decoding")
	}
}

func TestDecodeSegmentClampsWindowScale(t *testing.T) {
	options := []byte{0x03, 0x03, 0x30, 0x01} // absurd shift 48
	seg, err := DecodeSegment(rawTCP(SYNFlag, options, nil), net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"), nil, true)
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}
	if seg.Options.WindowScaleShiftCount != MaxWindowScale {
		t.Errorf("shift = %d, want clamp at %d", seg.Options.WindowScaleShiftCount, MaxWindowScale)
	}
}

func TestDecodeSegmentTooShort(t *testing.T) {
	if _, err := DecodeSegment(make([]byte, 10), nil, nil, nil, true); err == nil {
		t.Error("truncated header should fail to decode")
	}
}
