package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/config"
	"github.com/Clouded-Sabre/tcp-engine/lib"
)

// A scripted software peer that talks to the engine through its snapshot
// channels: it connects, sends a greeting, receives the engine's staged
// payload back and then closes the stream in an orderly fashion.
type softPeer struct {
	engine   *lib.Engine
	sendBuf  *lib.RingSendBuffer
	addr     net.IP
	mac      net.HardwareAddr
	port     uint16
	seq      uint32 // next byte the peer will send
	ackSeq   uint32 // next byte the peer expects from the engine
	window   uint16 // raw window the peer advertises
	finSent  bool
	done     chan struct{}
	received int
}

func main() {
	message := flag.String("message", "hello from the peer", "Payload the peer sends once connected")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	lib.InitPool(config.AppConfig.PayloadPoolSize, config.AppConfig.PreferredMSS, config.AppConfig.PoolDebug)

	sendBuf := lib.NewRingSendBuffer(config.AppConfig.StreamCount, config.AppConfig.ReceiveBufferSize)

	onReceive := func(streamID int, data []byte) {
		log.Printf("stream %d delivered: %s", streamID, string(data))
		// Echo received bytes straight back onto the stream.
		if _, err := sendBuf.Write(streamID, data); err != nil {
			log.Println("Send buffer write error:", err)
			return
		}
		sendBuf.RequestFlush(streamID)
	}

	engine, err := lib.NewEngine(lib.NewEngineConfig(config.AppConfig), sendBuf, onReceive)
	if err != nil {
		log.Fatalln("Engine start error:", err)
	}
	defer engine.Close()

	peer := &softPeer{
		engine:  engine,
		sendBuf: sendBuf,
		addr:   net.ParseIP("127.0.0.3"),
		mac:    net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03},
		port:   45000,
		seq:    700000,
		window: 0x1000,
		done:   make(chan struct{}),
	}
	go peer.run()

	peer.sendSyn()
	time.Sleep(50 * time.Millisecond)
	if st, ok := engine.ConnectionState(0); ok {
		log.Println("Stream 0 state after handshake:", st)
	}

	peer.sendData([]byte(*message))

	select {
	case <-peer.done:
		log.Printf("Loopback run complete, peer echoed %d bytes back to itself.", peer.received)
	case <-time.After(10 * time.Second):
		log.Fatalln("Loopback run timed out.")
	}
}

// run drains the engine's output, control segments first, and reacts the
// way a remote TCP endpoint would.
func (p *softPeer) run() {
	for {
		select {
		case snap := <-p.engine.SigOutputChan():
			p.handleSnapshot(snap)
		default:
			select {
			case snap := <-p.engine.SigOutputChan():
				p.handleSnapshot(snap)
			case snap := <-p.engine.OutputChan():
				p.handleSnapshot(snap)
			}
		}
	}
}

func (p *softPeer) handleSnapshot(snap *lib.TxSnapshot) {
	// Play the assembler's part: a data grant pulls its payload bytes out
	// of the send buffer before the frame is reported complete.
	if snap.Class == lib.ClassData {
		payload := make([]byte, snap.PayloadSize)
		p.sendBuf.Fill(snap.StreamID, payload)
		log.Printf("Peer received echo: %s", string(payload))
	}
	p.engine.FrameDone()

	switch snap.Class {
	case lib.ClassSynAck:
		p.ackSeq = snap.SequenceNumber + 1
		p.sendAck()
		log.Println("Peer: handshake complete.")

	case lib.ClassData:
		p.ackSeq = snap.SequenceNumber + uint32(snap.PayloadSize)
		p.received += snap.PayloadSize
		p.sendAck()
		// Got the echo back; wrap up with an orderly close.
		p.sendFin()

	case lib.ClassFin:
		p.ackSeq = snap.SequenceNumber + 1
		p.sendAck()
		if !p.finSent {
			p.sendFin()
		} else {
			// Our ACK covers the engine's FIN; both sides are done.
			close(p.done)
		}

	case lib.ClassProbe:
		p.sendAck()
	}
}

func (p *softPeer) baseSegment() *lib.Segment {
	return &lib.Segment{
		SrcAddr:         p.addr,
		DestAddr:        net.ParseIP("127.0.0.2"),
		SrcMAC:          p.mac,
		SourcePort:      p.port,
		DestinationPort: uint16(config.AppConfig.LocalPortBase),
		SequenceNumber:  p.seq,
		WindowSize:      p.window,
		Valid:           true,
	}
}

func (p *softPeer) sendSyn() {
	seg := p.baseSegment()
	seg.Flags = lib.SYNFlag
	seg.Options.WindowScalePresent = true
	seg.Options.WindowScaleShiftCount = 2
	seg.Options.MSSPresent = true
	seg.Options.MSS = uint16(config.AppConfig.PreferredMSS)
	p.seq++
	p.engine.Deliver(seg)
}

func (p *softPeer) sendAck() {
	seg := p.baseSegment()
	seg.Flags = lib.ACKFlag
	seg.AcknowledgmentNum = p.ackSeq
	p.engine.Deliver(seg)
}

func (p *softPeer) sendData(data []byte) {
	seg := p.baseSegment()
	seg.Flags = lib.ACKFlag | lib.PSHFlag
	seg.AcknowledgmentNum = p.ackSeq
	seg.Payload = data
	seg.PayloadLength = len(data)
	p.seq += uint32(len(data))
	p.engine.Deliver(seg)
}

func (p *softPeer) sendFin() {
	if p.finSent {
		return
	}
	p.finSent = true
	seg := p.baseSegment()
	seg.Flags = lib.FINFlag | lib.ACKFlag
	seg.AcknowledgmentNum = p.ackSeq
	p.seq++
	p.engine.Deliver(seg)
}
