package fuserwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// MaxDatagram is the largest datagram ever put on the wire. It stays under
	// common Ethernet MTUs so that IP never fragments.
	MaxDatagram = 1400
	// HeaderSize is the size of the per-datagram header.
	HeaderSize = 8
	// MetaSize is the size of the metadata block carried by packet 0.
	MetaSize = 20
	// MaxPixelPayload is the pixel capacity of packets 1..N-1.
	MaxPixelPayload = MaxDatagram - HeaderSize
	// PixelBytesInFirst is the pixel capacity of packet 0.
	PixelBytesInFirst = MaxPixelPayload - MetaSize
	// BytesPerPixel is fixed by the BGRA layout.
	BytesPerPixel = 4
	// MaxFrameBytes is the worst-case frame the receiver will size a buffer for (8K BGRA).
	MaxFrameBytes = 7680 * 4320 * BytesPerPixel
	// MaxPackets is the largest packet count the 16-bit header can describe.
	MaxPackets = 0xffff
)

// ErrShortHeader is returned for datagrams shorter than a header.
var ErrShortHeader = errors.New("datagram shorter than header")

// ErrShortMetadata is returned when packet 0 cannot hold the metadata block.
var ErrShortMetadata = errors.New("payload shorter than frame metadata")

// Header prefixes every datagram.
type Header struct {
	FrameID      uint32
	PacketIndex  uint16
	TotalPackets uint16
}

// Valid reports whether the index/count pair is self-consistent.
func (h Header) Valid() bool {
	return h.TotalPackets != 0 && h.PacketIndex < h.TotalPackets
}

// Put writes the header into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], h.FrameID)
	binary.LittleEndian.PutUint16(dst[4:6], h.PacketIndex)
	binary.LittleEndian.PutUint16(dst[6:8], h.TotalPackets)
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (h Header, err error) {
	if len(b) < HeaderSize {
		err = ErrShortHeader
		return
	}
	h.FrameID = binary.LittleEndian.Uint32(b[0:4])
	h.PacketIndex = binary.LittleEndian.Uint16(b[4:6])
	h.TotalPackets = binary.LittleEndian.Uint16(b[6:8])
	return
}

// Metadata describes the frame and travels only in packet 0, right after the header.
type Metadata struct {
	Width    uint32
	Height   uint32
	OriginX  uint32
	OriginY  uint32
	RawBytes uint32
}

// Consistent reports whether RawBytes matches the declared dimensions.
func (m Metadata) Consistent() bool {
	return uint64(m.RawBytes) == uint64(m.Width)*uint64(m.Height)*BytesPerPixel
}

// Put writes the metadata into the first MetaSize bytes of dst.
func (m Metadata) Put(dst []byte) {
	_ = dst[MetaSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], m.Width)
	binary.LittleEndian.PutUint32(dst[4:8], m.Height)
	binary.LittleEndian.PutUint32(dst[8:12], m.OriginX)
	binary.LittleEndian.PutUint32(dst[12:16], m.OriginY)
	binary.LittleEndian.PutUint32(dst[16:20], m.RawBytes)
}

// ParseMetadata decodes the metadata block at the start of b (the payload of packet 0).
func ParseMetadata(b []byte) (m Metadata, err error) {
	if len(b) < MetaSize {
		err = ErrShortMetadata
		return
	}
	m.Width = binary.LittleEndian.Uint32(b[0:4])
	m.Height = binary.LittleEndian.Uint32(b[4:8])
	m.OriginX = binary.LittleEndian.Uint32(b[8:12])
	m.OriginY = binary.LittleEndian.Uint32(b[12:16])
	m.RawBytes = binary.LittleEndian.Uint32(b[16:20])
	return
}

// PacketCount returns how many datagrams a frame of rawBytes pixel bytes needs.
func PacketCount(rawBytes int) int {
	remaining := rawBytes - PixelBytesInFirst
	if remaining < 0 {
		remaining = 0
	}
	return 1 + (remaining+MaxPixelPayload-1)/MaxPixelPayload
}

// WriteOffset returns where the pixel slice of packet index lands in the frame
// buffer. Encoder and receiver must agree on this exactly.
func WriteOffset(index uint16) int {
	if index == 0 {
		return 0
	}
	return PixelBytesInFirst + (int(index)-1)*MaxPixelPayload
}
