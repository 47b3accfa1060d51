package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// SendBuffer is the engine's contract with the byte-staging collaborator.
// The engine consumes free-receive-space, bytes-ready and the flush-idle
// signal; it produces acknowledgment releases and rewind signals.
type SendBuffer interface {
	// FreeReceiveSpace returns how many bytes of receive buffer are
	// free on the stream; it feeds the advertised window.
	FreeReceiveSpace(streamID int) int
	// BytesReady returns how many staged bytes are waiting to be sent.
	BytesReady(streamID int) int
	// FlushIdle reports whether the application asked for staged
	// sub-MSS data to go out without waiting for more.
	FlushIdle(streamID int) bool
	// Fill copies up to len(dst) unsent bytes starting at the current
	// send pointer into dst and advances the pointer.
	Fill(streamID int, dst []byte) int
	// Acknowledged releases every staged byte below upTo.
	Acknowledged(streamID int, upTo uint32)
	// Rewind moves the send pointer back to sequence number to, so
	// already-sent but unacknowledged bytes are offered again.
	Rewind(streamID int, to uint32)
	// Open aligns the stream's staging window with the first data
	// sequence number of a fresh connection.
	Open(streamID int, startSeq uint32)
	// Reset discards all staged bytes of the stream.
	Reset(streamID int)
}

// RingSendBuffer is a ring-pool-backed SendBuffer. Outbound bytes are
// staged in fixed-size chunks drawn from the process-wide Pool and
// addressed by the connection's 32-bit sequence numbers.
type RingSendBuffer struct {
	mu      sync.Mutex
	streams []*streamBuffer
	rxSize  int
}

type streamBuffer struct {
	chunks  []*rp.Element
	headSeq uint32 // sequence number of the first retained byte
	sendSeq uint32 // next byte to hand to the assembler
	tailSeq uint32 // one past the last staged byte
	rxUsed  int    // bytes of receive buffer currently occupied
	flush   bool
	open    bool
}

// NewRingSendBuffer creates the staging buffers for streamCount streams.
// InitPool must have been called first.
func NewRingSendBuffer(streamCount, receiveBufferSize int) *RingSendBuffer {
	streams := make([]*streamBuffer, streamCount)
	for i := range streams {
		streams[i] = &streamBuffer{}
	}
	return &RingSendBuffer{
		streams: streams,
		rxSize:  receiveBufferSize,
	}
}

// Write stages application bytes for transmission. It returns the number
// of bytes accepted; fewer than len(p) means the pool ran dry.
func (b *RingSendBuffer) Write(streamID int, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	if !s.open {
		return 0, fmt.Errorf("stream %d is not open", streamID)
	}

	written := 0
	for len(p) > 0 {
		var tail *Payload
		if n := len(s.chunks); n > 0 {
			tail = s.chunks[n-1].Data.(*Payload)
		}
		if tail == nil || tail.Full() {
			el := Pool.GetElement()
			if el == nil {
				break
			}
			el.Data.(*Payload).Reset()
			s.chunks = append(s.chunks, el)
			tail = el.Data.(*Payload)
		}
		n := tail.Append(p)
		p = p[n:]
		written += n
		s.tailSeq = SeqIncrementBy(s.tailSeq, uint32(n))
	}
	return written, nil
}

// RequestFlush raises the flush-idle signal: staged data shorter than
// one MSS should be pushed out on the next scheduling pass.
func (b *RingSendBuffer) RequestFlush(streamID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[streamID].flush = true
}

func (b *RingSendBuffer) FlushIdle(streamID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[streamID].flush
}

func (b *RingSendBuffer) BytesReady(streamID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[streamID]
	return int(SeqDelta(s.tailSeq, s.sendSeq))
}

func (b *RingSendBuffer) FreeReceiveSpace(streamID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxSize - b.streams[streamID].rxUsed
}

// ReceiveSpaceUsed records payload bytes handed to the embedding
// application's receive path; ReceiveSpaceFreed records consumption.
// Together they drive the advertised window.
func (b *RingSendBuffer) ReceiveSpaceUsed(streamID, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[streamID]
	s.rxUsed += n
	if s.rxUsed > b.rxSize {
		s.rxUsed = b.rxSize
	}
}

func (b *RingSendBuffer) ReceiveSpaceFreed(streamID, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[streamID]
	s.rxUsed -= n
	if s.rxUsed < 0 {
		s.rxUsed = 0
	}
}

// Fill copies unsent staged bytes into dst, advancing the send pointer.
func (b *RingSendBuffer) Fill(streamID int, dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	ready := int(SeqDelta(s.tailSeq, s.sendSeq))
	if ready == 0 {
		return 0
	}
	if len(dst) < ready {
		ready = len(dst)
	}

	// Walk the chunk chain to the send pointer's offset from headSeq.
	offset := int(SeqDelta(s.sendSeq, s.headSeq))
	copied := 0
	for _, el := range s.chunks {
		slice := el.Data.(*Payload).GetSlice()
		if offset >= len(slice) {
			offset -= len(slice)
			continue
		}
		n := copy(dst[copied:ready], slice[offset:])
		copied += n
		offset = 0
		if copied == ready {
			break
		}
	}

	s.sendSeq = SeqIncrementBy(s.sendSeq, uint32(copied))
	if copied > 0 && int(SeqDelta(s.tailSeq, s.sendSeq)) == 0 {
		s.flush = false // everything staged is on the wire
	}
	return copied
}

// Acknowledged releases chunks that are entirely below upTo. Partially
// acknowledged chunks stay until their last byte is covered, which keeps
// the release path free of byte shuffling.
func (b *RingSendBuffer) Acknowledged(streamID int, upTo uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	if !s.open {
		return
	}
	// Clamp to what was actually staged; a FIN or SYN-ACK ack number
	// can point one past the stream bytes.
	acked := SeqDelta(upTo, s.headSeq)
	if acked > SeqDelta(s.tailSeq, s.headSeq) {
		upTo = s.tailSeq
	}

	for len(s.chunks) > 0 {
		first := s.chunks[0].Data.(*Payload)
		chunkEnd := SeqIncrementBy(s.headSeq, uint32(first.length))
		if !isLessOrEqual(chunkEnd, upTo) {
			break
		}
		Pool.ReturnElement(s.chunks[0])
		s.chunks = s.chunks[1:]
		s.headSeq = chunkEnd
	}
	if isGreater(upTo, s.sendSeq) {
		s.sendSeq = upTo
	}
}

func (b *RingSendBuffer) Rewind(streamID int, to uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	if !s.open {
		return
	}
	// The rewind target must lie inside the retained range.
	if SeqDelta(to, s.headSeq) <= SeqDelta(s.tailSeq, s.headSeq) {
		s.sendSeq = to
	}
}

func (b *RingSendBuffer) Open(streamID int, startSeq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	b.releaseLocked(s)
	s.headSeq = startSeq
	s.sendSeq = startSeq
	s.tailSeq = startSeq
	s.rxUsed = 0
	s.flush = false
	s.open = true
}

func (b *RingSendBuffer) Reset(streamID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streams[streamID]
	b.releaseLocked(s)
	s.open = false
	s.flush = false
	s.rxUsed = 0
}

func (b *RingSendBuffer) releaseLocked(s *streamBuffer) {
	for _, el := range s.chunks {
		Pool.ReturnElement(el)
	}
	s.chunks = nil
}
