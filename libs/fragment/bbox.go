package fragment

import "github.com/netfuser/fuser/libs/fuserwire"

// DefaultThreshold is the channel value at or below which a pixel counts as background.
const DefaultThreshold = 2

// BoundingBox is a rectangle in source-raster pixel coordinates. W == 0 means
// the frame has no content.
type BoundingBox struct {
	X, Y, W, H uint32
}

// Empty reports whether there is nothing to send.
func (bb BoundingBox) Empty() bool {
	return bb.W == 0 || bb.H == 0
}

// RawBytes is the size of the cropped BGRA region.
func (bb BoundingBox) RawBytes() int {
	return int(bb.W) * int(bb.H) * fuserwire.BytesPerPixel
}

// ComputeBoundingBox scans a tightly packed BGRA raster and returns the
// smallest box covering every pixel with some channel above threshold.
// Rows missing from a short raster are treated as background.
func ComputeBoundingBox(raster []byte, width, height int, threshold byte) BoundingBox {
	if width <= 0 || height <= 0 {
		return BoundingBox{}
	}
	stride := width * fuserwire.BytesPerPixel
	if rows := len(raster) / stride; rows < height {
		height = rows
	}
	xMin, yMin := width, height
	xMax, yMax := -1, -1
	for y := 0; y < height; y++ {
		row := raster[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			if px[0] > threshold || px[1] > threshold || px[2] > threshold || px[3] > threshold {
				if x < xMin {
					xMin = x
				}
				if x > xMax {
					xMax = x
				}
				if y < yMin {
					yMin = y
				}
				yMax = y
			}
		}
	}
	if xMax < 0 {
		return BoundingBox{}
	}
	return BoundingBox{
		X: uint32(xMin),
		Y: uint32(yMin),
		W: uint32(xMax - xMin + 1),
		H: uint32(yMax - yMin + 1),
	}
}

// Crop copies the box out of a full-width raster into dst, growing dst only
// when its capacity is too small. The result has no stride padding.
func Crop(dst, raster []byte, srcWidth int, box BoundingBox) []byte {
	n := box.RawBytes()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	srcStride := srcWidth * fuserwire.BytesPerPixel
	dstStride := int(box.W) * fuserwire.BytesPerPixel
	for row := 0; row < int(box.H); row++ {
		start := (int(box.Y)+row)*srcStride + int(box.X)*fuserwire.BytesPerPixel
		copy(dst[row*dstStride:(row+1)*dstStride], raster[start:start+dstStride])
	}
	return dst
}
