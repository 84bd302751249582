package reasm

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/netfuser/fuser/libs/fragment"
	"github.com/netfuser/fuser/libs/fuserwire"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(opts ...Option) (*Engine, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	return NewEngine(append([]Option{WithClock(clk.now)}, opts...)...), clk
}

func randomCrop(rng *rand.Rand, w, h uint32) ([]byte, fragment.BoundingBox) {
	box := fragment.BoundingBox{X: 5, Y: 9, W: w, H: h}
	buf := make([]byte, box.RawBytes())
	rng.Read(buf)
	return buf, box
}

func packetsOf(t testing.TB, cropped []byte, box fragment.BoundingBox, id uint32) [][]byte {
	var pkts [][]byte
	err := fragment.Fragment(cropped, box, id, nil, func(p []byte) error {
		pkts = append(pkts, append([]byte(nil), p...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return pkts
}

// feed delivers every packet and returns the handle produced by the last one.
func feed(t *testing.T, e *Engine, pkts [][]byte) (Handle, bool) {
	var h Handle
	var ok bool
	for i, p := range pkts {
		if ok {
			t.Fatalf("frame completed before packet %v of %v", i, len(pkts))
		}
		h, ok = e.ConsumePacket(p)
	}
	return h, ok
}

func TestScenarioSinglePacket(t *testing.T) {
	e, _ := newTestEngine()
	cropped, box := randomCrop(rand.New(rand.NewSource(1)), 64, 4)
	pkts := packetsOf(t, cropped, box, 1)
	if len(pkts) != 1 {
		t.Fatalf("64x4 crop took %v packets", len(pkts))
	}
	h, ok := e.ConsumePacket(pkts[0])
	if !ok {
		t.Fatal("single packet did not complete the frame")
	}
	f, ok := e.Frame(h)
	if !ok || !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("bad frame contents")
	}
	if f.Width != 64 || f.Height != 4 || f.OriginX != 5 || f.OriginY != 9 || f.ID != 1 {
		t.Fatalf("bad frame metadata %+v", f)
	}
}

func TestScenarioTwoPackets(t *testing.T) {
	e, _ := newTestEngine()
	cropped, box := randomCrop(rand.New(rand.NewSource(2)), 32, 16)
	if box.RawBytes() != 2048 {
		t.Fatal("test setup")
	}
	pkts := packetsOf(t, cropped, box, 1)
	if len(pkts) != 2 {
		t.Fatalf("got %v packets", len(pkts))
	}
	if fuserwire.WriteOffset(1) != 1372 || len(pkts[1])-fuserwire.HeaderSize != 676 {
		t.Fatal("bad slicing of packet 1")
	}
	if _, ok := e.ConsumePacket(pkts[0]); ok {
		t.Fatal("completed early")
	}
	h, ok := e.ConsumePacket(pkts[1])
	if !ok {
		t.Fatal("did not complete")
	}
	f, _ := e.Frame(h)
	if !bytes.Equal(f.Pixels[1372:], cropped[1372:]) || !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("packet 1 landed at the wrong offset")
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e, _ := newTestEngine()
	sizes := [][2]uint32{{1, 1}, {17, 3}, {343, 1}, {100, 100}, {640, 48}}
	for i, sz := range sizes {
		cropped, box := randomCrop(rng, sz[0], sz[1])
		h, ok := feed(t, e, packetsOf(t, cropped, box, uint32(i+1)))
		if !ok {
			t.Fatalf("%v: not complete", sz)
		}
		f, _ := e.Frame(h)
		if !bytes.Equal(f.Pixels, cropped) {
			t.Fatalf("%v: contents differ", sz)
		}
		e.Release(h)
	}
	if e.Bound() != 0 {
		t.Fatal("released slots still bound")
	}
}

func TestOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cropped, box := randomCrop(rng, 200, 37)
	pkts := packetsOf(t, cropped, box, 77)
	for trial := 0; trial < 20; trial++ {
		e, _ := newTestEngine()
		perm := rng.Perm(len(pkts))
		// anything before packet 0 is discarded, so deliver those again afterwards
		var retry [][]byte
		seenZero := false
		var h Handle
		var ok bool
		for _, i := range perm {
			if i == 0 {
				seenZero = true
			}
			if !seenZero {
				retry = append(retry, pkts[i])
			}
			h, ok = e.ConsumePacket(pkts[i])
		}
		for _, p := range retry {
			h, ok = e.ConsumePacket(p)
		}
		if !ok {
			t.Fatalf("trial %v: not complete", trial)
		}
		f, _ := e.Frame(h)
		if !bytes.Equal(f.Pixels, cropped) {
			t.Fatalf("trial %v: contents differ", trial)
		}
	}
}

func TestDuplicateIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	cropped, box := randomCrop(rng, 90, 30)
	pkts := packetsOf(t, cropped, box, 3)
	e, _ := newTestEngine()
	for i := 0; i < len(pkts)-1; i++ {
		e.ConsumePacket(pkts[i])
		before := append([]byte(nil), e.slots[0].pixels...)
		count := e.slots[0].recvCount
		tampered := append([]byte(nil), pkts[i]...)
		for j := fuserwire.HeaderSize + fuserwire.MetaSize; j < len(tampered); j++ {
			tampered[j] ^= 0xff
		}
		if _, ok := e.ConsumePacket(tampered); ok {
			t.Fatal("duplicate completed a frame")
		}
		if e.slots[0].recvCount != count {
			t.Fatalf("duplicate bumped count to %v", e.slots[0].recvCount)
		}
		if !bytes.Equal(before, e.slots[0].pixels) {
			t.Fatal("duplicate altered the buffer")
		}
	}
	h, ok := e.ConsumePacket(pkts[len(pkts)-1])
	if !ok {
		t.Fatal("not complete")
	}
	f, _ := e.Frame(h)
	if !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("contents differ")
	}
	if got := e.Stats().Rejected[Duplicate]; got != uint64(len(pkts)-1) {
		t.Fatalf("counted %v duplicates", got)
	}
	// a late copy of a packet from a completed, unreleased frame is still a duplicate
	if _, ok := e.ConsumePacket(pkts[0]); ok {
		t.Fatal("completed twice")
	}
}

func TestPoolBound(t *testing.T) {
	const n = 4
	e, clk := newTestEngine(WithSlots(n), WithTimeout(time.Hour))
	rng := rand.New(rand.NewSource(6))
	cropped, box := randomCrop(rng, 100, 100)
	for id := uint32(1); id <= n+1; id++ {
		pkts := packetsOf(t, cropped, box, id)
		if _, ok := e.ConsumePacket(pkts[0]); ok {
			t.Fatal("multi-packet frame completed")
		}
		if e.Bound() > n {
			t.Fatalf("%v slots bound", e.Bound())
		}
		clk.advance(time.Millisecond)
	}
	if e.Bound() != n || e.Stats().Evicted != 1 {
		t.Fatalf("bound=%v evicted=%v", e.Bound(), e.Stats().Evicted)
	}
	for i := range e.slots {
		if e.slots[i].frameID == 1 {
			t.Fatal("oldest frame survived eviction")
		}
	}
	// the next allocation takes the next-oldest
	e.ConsumePacket(packetsOf(t, cropped, box, 99)[0])
	for i := range e.slots {
		if e.slots[i].frameID == 2 {
			t.Fatal("frame 2 should have been evicted second")
		}
	}
}

func TestPurgeExpired(t *testing.T) {
	e, clk := newTestEngine()
	rng := rand.New(rand.NewSource(7))
	cropped, box := randomCrop(rng, 100, 50)
	pkts := packetsOf(t, cropped, box, 10)
	e.ConsumePacket(pkts[0])
	buf := &e.slots[0].pixels[0]
	clk.advance(DefaultTimeout)
	if e.PurgeExpired() != 0 {
		t.Fatal("purged at exactly the budget")
	}
	clk.advance(time.Millisecond)
	if e.PurgeExpired() != 1 || e.Bound() != 0 {
		t.Fatal("stale frame not purged")
	}
	// the old frame id starts from scratch, in the same memory
	h, ok := feed(t, e, pkts)
	if !ok {
		t.Fatal("reused frame id did not complete")
	}
	f, _ := e.Frame(h)
	if &f.Pixels[0] != buf {
		t.Fatal("pixel buffer was reallocated")
	}
	if !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("contents differ")
	}
	if e.Stats().Expired != 1 {
		t.Fatalf("expired=%v", e.Stats().Expired)
	}
}

func TestExpireMidIngestion(t *testing.T) {
	e, clk := newTestEngine()
	cropped, box := randomCrop(rand.New(rand.NewSource(8)), 32, 16)
	pkts := packetsOf(t, cropped, box, 5)
	e.ConsumePacket(pkts[0])
	clk.advance(DefaultTimeout + time.Microsecond)
	if _, ok := e.ConsumePacket(pkts[1]); ok {
		t.Fatal("late frame delivered")
	}
	if e.Bound() != 0 || e.Stats().Expired != 1 {
		t.Fatal("late frame not evicted")
	}
}

func TestCompleteNotPurged(t *testing.T) {
	e, clk := newTestEngine()
	cropped, box := randomCrop(rand.New(rand.NewSource(9)), 8, 8)
	h, ok := feed(t, e, packetsOf(t, cropped, box, 1))
	if !ok {
		t.Fatal("not complete")
	}
	clk.advance(time.Second)
	if e.PurgeExpired() != 0 {
		t.Fatal("purged a complete frame")
	}
	if _, ok := e.Frame(h); !ok {
		t.Fatal("handle lost")
	}
}

func TestHandles(t *testing.T) {
	e, _ := newTestEngine(WithSlots(1))
	rng := rand.New(rand.NewSource(10))
	cropped, box := randomCrop(rng, 8, 8)
	h1, _ := feed(t, e, packetsOf(t, cropped, box, 1))
	if _, ok := e.Frame(Handle{}); ok {
		t.Fatal("zero handle resolved")
	}
	if _, ok := e.Frame(Handle{slot: 5, gen: h1.gen}); ok {
		t.Fatal("out of range handle resolved")
	}
	// an unreleased complete slot is reusable, and its old handle dies
	h2, ok := feed(t, e, packetsOf(t, cropped, box, 2))
	if !ok {
		t.Fatal("second frame not complete")
	}
	if _, ok := e.Frame(h1); ok {
		t.Fatal("stale handle resolved")
	}
	e.Release(h1)
	if f, ok := e.Frame(h2); !ok || f.ID != 2 {
		t.Fatal("stale release touched the live frame")
	}
	e.Release(h2)
	if _, ok := e.Frame(h2); ok {
		t.Fatal("released handle resolved")
	}
	if e.Stats().Evicted != 0 {
		t.Fatal("reusing a complete slot counted as eviction")
	}
}

func TestRejections(t *testing.T) {
	mk := func(id uint32, idx, total uint16, payload []byte) []byte {
		b := make([]byte, fuserwire.HeaderSize+len(payload))
		fuserwire.Header{FrameID: id, PacketIndex: idx, TotalPackets: total}.Put(b)
		copy(b[fuserwire.HeaderSize:], payload)
		return b
	}
	meta := func(w, h uint32, raw uint32) []byte {
		b := make([]byte, fuserwire.MetaSize)
		fuserwire.Metadata{Width: w, Height: h, RawBytes: raw}.Put(b)
		return b
	}
	cases := []struct {
		name   string
		pkts   [][]byte
		reason Reason
	}{
		{"short header", [][]byte{make([]byte, 7)}, ShortHeader},
		{"beep", [][]byte{[]byte("BEEP")}, ShortHeader},
		{"oversize", [][]byte{mk(1, 0, 1, make([]byte, fuserwire.MaxDatagram))}, Oversize},
		{"zero total", [][]byte{mk(1, 0, 0, nil)}, BadIndex},
		{"index past total", [][]byte{mk(1, 3, 3, nil)}, BadIndex},
		{"zero frame", [][]byte{mk(0, 0, 1, meta(1, 1, 4))}, ZeroFrame},
		{"short metadata", [][]byte{mk(1, 0, 1, make([]byte, 19))}, ShortMetadata},
		{"inconsistent metadata", [][]byte{mk(1, 0, 1, meta(2, 2, 4))}, BadMetadata},
		{"too few packets", [][]byte{mk(1, 0, 1, meta(100, 100, 40000))}, BadMetadata},
		{"premature", [][]byte{mk(1, 1, 2, make([]byte, 10))}, NoMetadata},
		{"overflow", [][]byte{mk(1, 0, 3, meta(5, 5, 100)), mk(1, 2, 3, make([]byte, 10))}, Overflow},
		{"count mismatch", [][]byte{mk(1, 0, 3, meta(5, 5, 100)), mk(1, 1, 4, make([]byte, 10))}, CountMismatch},
	}
	for _, c := range cases {
		e, _ := newTestEngine()
		for _, p := range c.pkts {
			if _, ok := e.ConsumePacket(p); ok {
				t.Fatalf("%v: completed", c.name)
			}
		}
		if e.Stats().Rejected[c.reason] != 1 || e.Stats().TotalRejected() != 1 {
			t.Errorf("%v: rejections %v", c.name, e.Stats().RejectedByReason())
		}
	}
}

// An overlong datagram must not spill into the region of a packet that
// already arrived.
func TestOverlongDatagram(t *testing.T) {
	e, _ := newTestEngine()
	cropped, box := randomCrop(rand.New(rand.NewSource(13)), 40, 40)
	pkts := packetsOf(t, cropped, box, 1)
	if len(pkts) < 4 {
		t.Fatalf("only %v packets", len(pkts))
	}
	e.ConsumePacket(pkts[0])
	e.ConsumePacket(pkts[2])
	junk := append(append([]byte(nil), pkts[1]...), bytes.Repeat([]byte{0xee}, 600)...)
	if _, ok := e.ConsumePacket(junk); ok {
		t.Fatal("overlong datagram completed the frame")
	}
	if e.Stats().Rejected[Oversize] != 1 {
		t.Fatalf("rejections %v", e.Stats().RejectedByReason())
	}
	var h Handle
	var ok bool
	for i, p := range pkts {
		if i == 0 || i == 2 {
			continue
		}
		h, ok = e.ConsumePacket(p)
	}
	if !ok {
		t.Fatal("frame did not complete")
	}
	f, _ := e.Frame(h)
	if !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("pixels corrupted")
	}
}

// A complete, unreleased frame keeps its pixels while free slots exist.
func TestFreeSlotsFirst(t *testing.T) {
	e, _ := newTestEngine(WithSlots(2))
	rng := rand.New(rand.NewSource(15))
	cropped, box := randomCrop(rng, 8, 8)
	h1, ok := feed(t, e, packetsOf(t, cropped, box, 1))
	if !ok {
		t.Fatal("first frame not complete")
	}
	other, obox := randomCrop(rng, 30, 30)
	e.ConsumePacket(packetsOf(t, other, obox, 2)[0])
	f, ok := e.Frame(h1)
	if !ok || !bytes.Equal(f.Pixels, cropped) {
		t.Fatal("complete frame reclaimed while a free slot existed")
	}
	// with no free slot left, the complete frame goes before the in-flight one
	feed(t, e, packetsOf(t, cropped, box, 3)[:1])
	if _, ok := e.Frame(h1); ok {
		t.Fatal("complete frame survived with no free slot")
	}
	if e.Stats().Evicted != 0 {
		t.Fatal("in-flight frame evicted instead of the complete one")
	}
}

func TestMaxFrameBytes(t *testing.T) {
	e, _ := newTestEngine(WithMaxFrameBytes(1000))
	cropped, box := randomCrop(rand.New(rand.NewSource(11)), 16, 16)
	pkts := packetsOf(t, cropped, box, 1)
	if _, ok := e.ConsumePacket(pkts[0]); ok {
		t.Fatal("oversized frame accepted")
	}
	if e.Stats().Rejected[BadMetadata] != 1 {
		t.Fatal("oversized frame not rejected as bad metadata")
	}
}

func BenchmarkConsume720p(b *testing.B) {
	rng := rand.New(rand.NewSource(12))
	cropped, box := randomCrop(rng, 1280, 720)
	pkts := packetsOf(b, cropped, box, 1)
	e := NewEngine(WithTimeout(time.Hour))
	b.SetBytes(int64(len(cropped)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := uint32(i + 1)
		for _, p := range pkts {
			binary.LittleEndian.PutUint32(p[0:4], id)
			if h, ok := e.ConsumePacket(p); ok {
				e.Release(h)
			}
		}
	}
}
