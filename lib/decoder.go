package lib

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DecodeSegment turns the payload of a validated IP frame into a Segment
// descriptor. The caller has already checked the IP header and checksum;
// frameValid carries that verdict into the descriptor so the classifier
// can still reject segments whose validation failed after the fact.
func DecodeSegment(ipPayload []byte, srcAddr, destAddr net.IP, srcMAC net.HardwareAddr, frameValid bool) (*Segment, error) {
	if len(ipPayload) < TcpHeaderLength {
		return nil, fmt.Errorf("IP payload too short for a TCP header: %d bytes", len(ipPayload))
	}

	packet := gopacket.NewPacket(ipPayload, layers.LayerTypeTCP, gopacket.Default)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil, fmt.Errorf("IP payload does not parse as TCP")
	}
	tcp, _ := tcpLayer.(*layers.TCP)

	seg := &Segment{
		SrcAddr:           srcAddr,
		DestAddr:          destAddr,
		SrcMAC:            srcMAC,
		SourcePort:        uint16(tcp.SrcPort),
		DestinationPort:   uint16(tcp.DstPort),
		SequenceNumber:    tcp.Seq,
		AcknowledgmentNum: tcp.Ack,
		DataOffset:        tcp.DataOffset,
		WindowSize:        tcp.Window,
		PayloadLength:     len(tcp.Payload),
		Payload:           tcp.Payload,
		Valid:             frameValid,
	}

	if tcp.SYN {
		seg.Flags |= SYNFlag
	}
	if tcp.ACK {
		seg.Flags |= ACKFlag
	}
	if tcp.FIN {
		seg.Flags |= FINFlag
	}
	if tcp.RST {
		seg.Flags |= RSTFlag
	}
	if tcp.PSH {
		seg.Flags |= PSHFlag
	}
	if tcp.URG {
		seg.Flags |= URGFlag
	}

	seg.Options = decodeOptions(tcp.Options)

	return seg, nil
}

func decodeOptions(opts []layers.TCPOption) SegmentOptions {
	var out SegmentOptions
	for _, opt := range opts {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				out.MSS = binary.BigEndian.Uint16(opt.OptionData)
				out.MSSPresent = true
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				shift := opt.OptionData[0]
				if shift > MaxWindowScale {
					shift = MaxWindowScale
				}
				out.WindowScaleShiftCount = shift
				out.WindowScalePresent = true
			}
		case layers.TCPOptionKindSACKPermitted:
			out.PermitSack = true
		}
	}
	return out
}
