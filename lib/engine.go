package lib

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Clouded-Sabre/tcp-engine/config"
)

// EngineConfig carries the engine-level settings plus the per-connection
// configuration derived from the yaml file.
type EngineConfig struct {
	StreamCount   int
	LocalPortBase int
	TickInterval  time.Duration
	connConfig    *connectionConfig
}

// NewEngineConfig derives an EngineConfig from the loaded configuration.
func NewEngineConfig(conf *config.Config) *EngineConfig {
	return &EngineConfig{
		StreamCount:   conf.StreamCount,
		LocalPortBase: conf.LocalPortBase,
		TickInterval:  time.Duration(conf.TickIntervalMs) * time.Millisecond,
		connConfig:    newConnectionConfig(conf),
	}
}

// DefaultEngineConfig returns an EngineConfig built from all-default
// settings, for embedders that do not carry a yaml file.
func DefaultEngineConfig() *EngineConfig {
	return NewEngineConfig(config.DefaultConfig())
}

// ReceiveHandler is called from the event loop with in-order payload
// bytes a stream received. The slice is only valid for the duration of
// the call.
type ReceiveHandler func(streamID int, data []byte)

type commandKind uint8

const (
	cmdFrameDone commandKind = iota
	cmdCloseStream
	cmdResetStream
	cmdQueryState
)

type engineCommand struct {
	kind     commandKind
	streamID int
	reply    chan ConnState
}

// Engine owns the fixed pool of connection slots and runs the event
// loop: one inbound segment is evaluated to completion before the next,
// timers are polled on a periodic tick, and the transmit scheduler
// releases at most one segment assembly at a time. All connection state
// is confined to the loop goroutine.
type Engine struct {
	config    *EngineConfig
	conns     []*Connection
	scheduler *transmitScheduler
	sendBuf   SendBuffer

	inputChannel   chan *Segment
	commandChannel chan engineCommand
	// Control snapshots go out on the signalling channel, data on the
	// ordinary one; the assembler drains the signalling channel first.
	outputChan, sigOutputChan chan *TxSnapshot

	receiveHandler ReceiveHandler

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewEngine creates the connection table and starts the event loop.
// The send buffer collaborator is shared with the embedding application.
func NewEngine(engineConfig *EngineConfig, sendBuf SendBuffer, onReceive ReceiveHandler) (*Engine, error) {
	if engineConfig.StreamCount <= 0 {
		return nil, fmt.Errorf("stream count must be positive, got %d", engineConfig.StreamCount)
	}

	conns := make([]*Connection, engineConfig.StreamCount)
	for i := range conns {
		conns[i] = newConnection(i, uint16(engineConfig.LocalPortBase+i), engineConfig.connConfig)
	}

	e := &Engine{
		config:         engineConfig,
		conns:          conns,
		sendBuf:        sendBuf,
		scheduler:      newTransmitScheduler(conns, sendBuf),
		inputChannel:   make(chan *Segment),
		commandChannel: make(chan engineCommand),
		outputChan:     make(chan *TxSnapshot),
		sigOutputChan:  make(chan *TxSnapshot),
		receiveHandler: onReceive,
		closeSignal:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.eventLoop()

	log.Printf("TCP engine started with %d streams, ports %d-%d",
		engineConfig.StreamCount, engineConfig.LocalPortBase,
		engineConfig.LocalPortBase+engineConfig.StreamCount-1)

	return e, nil
}

// Deliver hands a decoded inbound segment to the event loop.
func (e *Engine) Deliver(seg *Segment) {
	select {
	case <-e.closeSignal:
	case e.inputChannel <- seg:
	}
}

// OutputChan is the ordinary (data) snapshot channel to the assembler.
func (e *Engine) OutputChan() <-chan *TxSnapshot { return e.outputChan }

// SigOutputChan carries control snapshots; it takes priority over
// OutputChan on the assembler side.
func (e *Engine) SigOutputChan() <-chan *TxSnapshot { return e.sigOutputChan }

// FrameDone is the assembler's end-of-frame signal: the granted stream's
// segment is fully serialized and the assembly path is free again. For a
// data snapshot the assembler must have pulled the payload bytes out of
// the send buffer (Fill) first, or the scheduler will offer them again.
func (e *Engine) FrameDone() {
	e.sendCommand(engineCommand{kind: cmdFrameDone})
}

// CloseStream asks for an orderly close of a connected stream. The
// request is asynchronous; the state machine picks it up on its next
// pass, exactly like a failed keepalive would.
func (e *Engine) CloseStream(streamID int) {
	e.sendCommand(engineCommand{kind: cmdCloseStream, streamID: streamID})
}

// ResetConnection forces the slot back to Closed, dropping all timers.
// Usable at initialization and as the fatal-error recovery path.
func (e *Engine) ResetConnection(streamID int) {
	e.sendCommand(engineCommand{kind: cmdResetStream, streamID: streamID})
}

// ConnectionState reports the current state of a stream slot.
func (e *Engine) ConnectionState(streamID int) (ConnState, bool) {
	if streamID < 0 || streamID >= len(e.conns) {
		return StateClosed, false
	}
	reply := make(chan ConnState, 1)
	select {
	case <-e.closeSignal:
		return StateClosed, false
	case e.commandChannel <- engineCommand{kind: cmdQueryState, streamID: streamID, reply: reply}:
	}
	select {
	case <-e.closeSignal:
		return StateClosed, false
	case st := <-reply:
		return st, true
	}
}

func (e *Engine) sendCommand(cmd engineCommand) {
	select {
	case <-e.closeSignal:
	case e.commandChannel <- cmd:
	}
}

// Close shuts the event loop down and waits for it to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closeSignal)
	})
	e.wg.Wait()
	log.Println("TCP engine closed gracefully.")
}

func (e *Engine) eventLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeSignal:
			return
		case seg := <-e.inputChannel:
			e.processSegment(seg)
		case cmd := <-e.commandChannel:
			e.processCommand(cmd)
		case <-ticker.C:
			e.tickAll()
		}
		e.pump()
	}
}

// processSegment routes one inbound segment to the connection it
// addresses and evaluates it to completion. Segments that address
// nothing are ignored, matching the silent-discard error policy.
func (e *Engine) processSegment(seg *Segment) {
	if seg == nil {
		return
	}
	if !seg.Valid {
		log.Println("Segment failed frame validation. Skip this segment.")
		return
	}

	// An active connection that owns this origin wins.
	for _, c := range e.conns {
		if c.state == StateClosed || c.localPort != seg.DestinationPort {
			continue
		}
		if !c.originMatches(seg) {
			continue
		}
		e.applySegment(c, seg)
		return
	}

	// Otherwise a bare SYN may activate a closed slot on that port.
	if seg.HasFlags(SYNFlag) && !seg.HasFlags(ACKFlag) {
		for _, c := range e.conns {
			if c.state != StateClosed || c.localPort != seg.DestinationPort {
				continue
			}
			c.handleSegment(seg, e.sendBuf)
			if c.state == StateSynReceived {
				// Stream bytes start one past the ISN consumed by the
				// SYN-ACK.
				e.sendBuf.Open(c.streamID, SeqIncrement(c.txSeq))
			}
			return
		}
	}

	log.Printf("Received segment for non-existent connection: port %d from %s:%d. Ignore it!",
		seg.DestinationPort, seg.SrcAddr, seg.SourcePort)
}

func (e *Engine) applySegment(c *Connection, seg *Segment) {
	prevExpected := c.rxAckExpected
	prevState := c.state

	c.handleSegment(seg, e.sendBuf)

	// Hand in-order payload to the embedding application.
	if e.receiveHandler != nil && seg.PayloadLength > 0 {
		advanced := SeqDelta(c.rxAckExpected, prevExpected)
		if advanced > 0 && prevState == StateConnected {
			n := seg.PayloadLength
			if uint32(n) > advanced {
				n = int(advanced)
			}
			e.receiveHandler(c.streamID, seg.Payload[:n])
		}
	}

	if prevState != StateClosed && c.state == StateClosed {
		e.sendBuf.Reset(c.streamID)
	}
}

func (e *Engine) processCommand(cmd engineCommand) {
	switch cmd.kind {
	case cmdFrameDone:
		if !e.scheduler.busy {
			return
		}
		stream := e.scheduler.grantStream
		wasClosed := e.conns[stream].state == StateClosed
		e.scheduler.frameComplete()
		if !wasClosed && e.conns[stream].state == StateClosed {
			e.sendBuf.Reset(stream)
		}

	case cmdCloseStream:
		if cmd.streamID >= 0 && cmd.streamID < len(e.conns) {
			e.conns[cmd.streamID].closeRequested = true
		}

	case cmdResetStream:
		if cmd.streamID >= 0 && cmd.streamID < len(e.conns) {
			if e.conns[cmd.streamID].state != StateClosed {
				log.Printf("stream %d: forced reset", cmd.streamID)
			}
			e.conns[cmd.streamID].reset()
			e.sendBuf.Reset(cmd.streamID)
		}

	case cmdQueryState:
		cmd.reply <- e.conns[cmd.streamID].state
	}
}

func (e *Engine) tickAll() {
	for _, c := range e.conns {
		prevState := c.state
		c.tick(e.sendBuf)
		if prevState != StateClosed && c.state == StateClosed {
			e.sendBuf.Reset(c.streamID)
		}
	}
}

// pump hands the next scheduled snapshot to the assembler, control
// segments on the signalling channel and data on the ordinary one.
func (e *Engine) pump() {
	snap, ok := e.scheduler.next()
	if !ok {
		return
	}
	ch := e.outputChan
	if snap.Class != ClassData {
		ch = e.sigOutputChan
	}
	select {
	case <-e.closeSignal:
	case ch <- snap:
	}
}
