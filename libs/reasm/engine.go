// Package reasm reassembles fragmented frames from unordered, lossy datagrams
// into a fixed pool of reusable slots.
package reasm

import (
	"time"

	"github.com/netfuser/fuser/libs/fuserwire"
)

const (
	// DefaultSlots is the number of frames that may be in flight at once.
	DefaultSlots = 8
	// DefaultTimeout is the latency budget of an incomplete frame.
	DefaultTimeout = 5 * time.Millisecond
)

// Frame is a completed frame. Pixels aliases engine memory and is only valid
// until its handle is released, or until a later ConsumePacket reclaims the
// slot because no free slot remained.
type Frame struct {
	ID      uint32
	Width   uint32
	Height  uint32
	OriginX uint32
	OriginY uint32
	Pixels  []byte
}

// Handle refers to a completed slot. It goes stale as soon as the slot is
// reset, whether by Release, a timeout, or eviction.
type Handle struct {
	slot int
	gen  uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSlots sets the pool size.
func WithSlots(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.slots = make([]slot, n)
		}
	}
}

// WithTimeout sets the latency budget for incomplete frames.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMaxFrameBytes bounds the pixel buffer a single frame may demand.
func WithMaxFrameBytes(n int) Option {
	return func(e *Engine) {
		e.maxFrameBytes = n
	}
}

// Engine is the receiver-side reassembly state. It does no locking and must be
// owned by one goroutine, normally the network receive loop.
type Engine struct {
	slots         []slot
	timeout       time.Duration
	maxFrameBytes int
	now           func() time.Time
	stats         Stats
}

// NewEngine creates an engine with the given options applied over the defaults.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		slots:         make([]slot, DefaultSlots),
		timeout:       DefaultTimeout,
		maxFrameBytes: fuserwire.MaxFrameBytes,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) reject(r Reason) (Handle, bool) {
	e.stats.Rejected[r]++
	return Handle{}, false
}

// ConsumePacket ingests one raw datagram. It returns a handle when this
// datagram completed its frame. Malformed, duplicate and premature datagrams
// are dropped silently.
func (e *Engine) ConsumePacket(pkt []byte) (Handle, bool) {
	e.stats.Packets++
	if len(pkt) > fuserwire.MaxDatagram {
		return e.reject(Oversize)
	}
	hdr, err := fuserwire.ParseHeader(pkt)
	if err != nil {
		return e.reject(ShortHeader)
	}
	if !hdr.Valid() {
		return e.reject(BadIndex)
	}
	if hdr.FrameID == 0 {
		return e.reject(ZeroFrame)
	}
	now := e.now()
	idx := e.findOrAlloc(hdr.FrameID, hdr.TotalPackets, now)
	s := &e.slots[idx]
	if s.totalPackets != hdr.TotalPackets {
		return e.reject(CountMismatch)
	}
	if s.has(hdr.PacketIndex) {
		return e.reject(Duplicate)
	}
	payload := pkt[fuserwire.HeaderSize:]
	if hdr.PacketIndex == 0 {
		meta, err := fuserwire.ParseMetadata(payload)
		if err != nil {
			return e.reject(ShortMetadata)
		}
		if !meta.Consistent() || int(meta.RawBytes) > e.maxFrameBytes ||
			int(hdr.TotalPackets) < fuserwire.PacketCount(int(meta.RawBytes)) {
			return e.reject(BadMetadata)
		}
		s.meta = meta
		s.totalBytes = int(meta.RawBytes)
		s.sizeFor(s.totalBytes)
		s.hasMeta = true
		copy(s.pixels[:capAt(fuserwire.PixelBytesInFirst, s.totalBytes)], payload[fuserwire.MetaSize:])
	} else {
		if !s.hasMeta {
			return e.reject(NoMetadata)
		}
		off := fuserwire.WriteOffset(hdr.PacketIndex)
		if off >= s.totalBytes {
			return e.reject(Overflow)
		}
		copy(s.pixels[off:capAt(off+fuserwire.MaxPixelPayload, s.totalBytes)], payload)
	}
	s.mark(hdr.PacketIndex)

	if now.Sub(s.firstPacket) > e.timeout {
		s.reset()
		e.stats.Expired++
		return Handle{}, false
	}
	if s.recvCount == int(s.totalPackets) {
		s.complete = true
		e.stats.Completed++
		return Handle{slot: idx, gen: s.gen}, true
	}
	return Handle{}, false
}

// findOrAlloc returns the slot bound to frameID, binding a new one if needed.
// Free slots are taken first, then complete but unreleased ones. When every
// slot holds an in-flight frame, the one that started earliest is evicted.
func (e *Engine) findOrAlloc(frameID uint32, totalPackets uint16, now time.Time) int {
	for i := range e.slots {
		if e.slots[i].frameID == frameID {
			return i
		}
	}
	victim := -1
	for i := range e.slots {
		s := &e.slots[i]
		if !s.bound() {
			victim = i
			break
		}
		if victim >= 0 && !e.slots[victim].inFlight() {
			continue
		}
		if victim < 0 || !s.inFlight() || s.firstPacket.Before(e.slots[victim].firstPacket) {
			victim = i
		}
	}
	s := &e.slots[victim]
	if s.inFlight() {
		e.stats.Evicted++
	}
	s.reset()
	s.bind(frameID, totalPackets, now)
	return victim
}

func capAt(end, limit int) int {
	if end > limit {
		return limit
	}
	return end
}

// Frame returns the completed frame behind h.
func (e *Engine) Frame(h Handle) (Frame, bool) {
	s := e.lookup(h)
	if s == nil {
		return Frame{}, false
	}
	return Frame{
		ID:      s.frameID,
		Width:   s.meta.Width,
		Height:  s.meta.Height,
		OriginX: s.meta.OriginX,
		OriginY: s.meta.OriginY,
		Pixels:  s.pixels[:s.totalBytes],
	}, true
}

// Release hands the slot behind h back to the pool. Releasing a stale handle
// is a no-op.
func (e *Engine) Release(h Handle) {
	if s := e.lookup(h); s != nil {
		s.reset()
	}
}

func (e *Engine) lookup(h Handle) *slot {
	if h.slot < 0 || h.slot >= len(e.slots) {
		return nil
	}
	s := &e.slots[h.slot]
	if s.gen != h.gen || !s.complete {
		return nil
	}
	return s
}

// PurgeExpired drops every incomplete frame older than the latency budget and
// returns how many were dropped. It is meant to run once per receive-loop
// iteration, whether or not a datagram arrived.
func (e *Engine) PurgeExpired() (n int) {
	now := e.now()
	for i := range e.slots {
		s := &e.slots[i]
		if s.inFlight() && now.Sub(s.firstPacket) > e.timeout {
			s.reset()
			n++
		}
	}
	e.stats.Expired += uint64(n)
	return
}

// InFlight counts bound, incomplete slots.
func (e *Engine) InFlight() (n int) {
	for i := range e.slots {
		if e.slots[i].inFlight() {
			n++
		}
	}
	return
}

// Bound counts slots attached to any frame, complete or not.
func (e *Engine) Bound() (n int) {
	for i := range e.slots {
		if e.slots[i].bound() {
			n++
		}
	}
	return
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return e.stats
}
