package fragment

import (
	"github.com/netfuser/fuser/libs/fuserwire"
	"github.com/pkg/errors"
)

// ErrFrameTooLarge means the frame needs more packets than the header can count.
var ErrFrameTooLarge = errors.New("frame needs more than 65535 packets")

// ErrShortCrop means the cropped buffer is smaller than the box it claims to hold.
var ErrShortCrop = errors.New("cropped buffer smaller than bounding box")

// Fragment slices one cropped frame into datagrams and hands each to emit in
// index order. The slice passed to emit is backed by scratch and is only valid
// until emit returns.
func Fragment(cropped []byte, box BoundingBox, frameID uint32, scratch []byte, emit func([]byte) error) error {
	rawBytes := box.RawBytes()
	total := fuserwire.PacketCount(rawBytes)
	if total > fuserwire.MaxPackets {
		return ErrFrameTooLarge
	}
	if len(cropped) < rawBytes {
		return ErrShortCrop
	}
	if cap(scratch) < fuserwire.MaxDatagram {
		scratch = make([]byte, fuserwire.MaxDatagram)
	}
	scratch = scratch[:fuserwire.MaxDatagram]
	hdr := fuserwire.Header{
		FrameID:      frameID,
		TotalPackets: uint16(total),
	}
	// packet 0: header | metadata | first pixel slice
	hdr.Put(scratch)
	fuserwire.Metadata{
		Width:    box.W,
		Height:   box.H,
		OriginX:  box.X,
		OriginY:  box.Y,
		RawBytes: uint32(rawBytes),
	}.Put(scratch[fuserwire.HeaderSize:])
	first := rawBytes
	if first > fuserwire.PixelBytesInFirst {
		first = fuserwire.PixelBytesInFirst
	}
	n := fuserwire.HeaderSize + fuserwire.MetaSize
	n += copy(scratch[n:], cropped[:first])
	if err := emit(scratch[:n]); err != nil {
		return err
	}
	// packets 1..N-1
	for idx := 1; idx < total; idx++ {
		hdr.PacketIndex = uint16(idx)
		hdr.Put(scratch)
		off := fuserwire.WriteOffset(hdr.PacketIndex)
		end := off + fuserwire.MaxPixelPayload
		if end > rawBytes {
			end = rawBytes
		}
		n := fuserwire.HeaderSize + copy(scratch[fuserwire.HeaderSize:], cropped[off:end])
		if err := emit(scratch[:n]); err != nil {
			return err
		}
	}
	return nil
}
