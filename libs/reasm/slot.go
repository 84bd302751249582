package reasm

import (
	"time"

	"github.com/netfuser/fuser/libs/fuserwire"
)

// slot tracks the reassembly of one frame. Its pixel and bitmap storage is
// kept across reuse so steady-state ingestion never allocates.
type slot struct {
	frameID      uint32 // 0 = free
	totalPackets uint16
	recvCount    int
	totalBytes   int
	complete     bool
	hasMeta      bool
	firstPacket  time.Time
	meta         fuserwire.Metadata

	pixels   []byte
	received []uint64

	// gen changes every time the slot is reset, invalidating old handles
	gen uint64
}

func (s *slot) bound() bool {
	return s.frameID != 0
}

func (s *slot) inFlight() bool {
	return s.frameID != 0 && !s.complete
}

// reset returns the slot to the free pool, keeping buffer capacity.
func (s *slot) reset() {
	s.frameID = 0
	s.totalPackets = 0
	s.recvCount = 0
	s.totalBytes = 0
	s.complete = false
	s.hasMeta = false
	s.firstPacket = time.Time{}
	s.meta = fuserwire.Metadata{}
	for i := range s.received {
		s.received[i] = 0
	}
	s.gen++
}

// bind attaches a freshly reset slot to a new frame.
func (s *slot) bind(frameID uint32, totalPackets uint16, now time.Time) {
	s.frameID = frameID
	s.totalPackets = totalPackets
	s.firstPacket = now
	words := (int(totalPackets) + 63) / 64
	if cap(s.received) < words {
		s.received = make([]uint64, words)
	} else {
		s.received = s.received[:words]
		for i := range s.received {
			s.received[i] = 0
		}
	}
}

func (s *slot) has(idx uint16) bool {
	return s.received[idx/64]&(1<<(idx%64)) != 0
}

func (s *slot) mark(idx uint16) {
	s.received[idx/64] |= 1 << (idx % 64)
	s.recvCount++
}

// sizeFor makes the pixel buffer exactly n bytes, reallocating only when the
// existing capacity is too small.
func (s *slot) sizeFor(n int) {
	if cap(s.pixels) < n {
		s.pixels = make([]byte, n)
		return
	}
	s.pixels = s.pixels[:n]
}
