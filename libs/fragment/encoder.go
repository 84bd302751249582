package fragment

import "github.com/netfuser/fuser/libs/fuserwire"

// Encoder turns successive rasters into datagrams. It owns the frame counter
// and all scratch memory, so it must be driven by a single producer.
type Encoder struct {
	// Threshold is the background cutoff used for cropping.
	Threshold byte

	frameID uint32
	box     BoundingBox
	crop    []byte
	scratch []byte
}

// NewEncoder creates an encoder with the default background threshold.
func NewEncoder() *Encoder {
	return &Encoder{
		Threshold: DefaultThreshold,
		scratch:   make([]byte, fuserwire.MaxDatagram),
	}
}

// FrameID returns the id of the most recently encoded frame.
func (enc *Encoder) FrameID() uint32 {
	return enc.frameID
}

// LastBox returns the bounding box computed by the last Encode call.
func (enc *Encoder) LastBox() BoundingBox {
	return enc.box
}

// nextID advances the counter. Zero marks a free slot on the receiver, so the
// counter skips it when it wraps.
func (enc *Encoder) nextID() uint32 {
	enc.frameID++
	if enc.frameID == 0 {
		enc.frameID = 1
	}
	return enc.frameID
}

// Encode crops the raster to its content and emits the frame. It returns
// sent == false without error when the raster is entirely background.
func (enc *Encoder) Encode(raster []byte, width, height int, emit func([]byte) error) (sent bool, err error) {
	enc.box = ComputeBoundingBox(raster, width, height, enc.Threshold)
	if enc.box.Empty() {
		return
	}
	if fuserwire.PacketCount(enc.box.RawBytes()) > fuserwire.MaxPackets {
		err = ErrFrameTooLarge
		return
	}
	enc.crop = Crop(enc.crop, raster, width, enc.box)
	err = Fragment(enc.crop, enc.box, enc.nextID(), enc.scratch, emit)
	sent = err == nil
	return
}
