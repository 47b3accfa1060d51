package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	Pool       *rp.RingPool
	chunkSize  int
)

// InitPool creates the process-wide payload chunk pool. It must run
// before any engine is created. The ring pool's fixed pre-allocation
// keeps staging free of per-segment heap traffic.
func InitPool(poolSize, payloadSize int, debug bool) {
	chunkSize = payloadSize
	emptySlice = make([]byte, payloadSize)
	rp.Debug = debug
	Pool = rp.NewRingPool("TCPE: ", poolSize, NewPayload, payloadSize)
	Pool.Debug = debug
}

// Payload is one staging chunk of outbound stream bytes.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool's element factory.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, chunkSize),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// Append copies as much of src as fits behind the bytes already staged
// and returns how many bytes were taken.
func (p *Payload) Append(src []byte) int {
	n := copy(p.payloadBytes[p.length:], src)
	p.length += n
	return n
}

// Full reports whether the chunk has no remaining capacity.
func (p *Payload) Full() bool {
	return p.length == len(p.payloadBytes)
}

// GetSlice returns the staged bytes of the chunk.
func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
