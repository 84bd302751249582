// Package rastersrc provides frames for the sender. Real screen capture lives
// outside this repository; Pattern stands in for it.
package rastersrc

import "github.com/pkg/errors"

// ErrShortBuffer is returned when dst cannot hold a frame.
var ErrShortBuffer = errors.New("destination buffer too small")

// Source produces BGRA rasters.
type Source interface {
	// Next fills dst with the next frame and reports its dimensions.
	Next(dst []byte) (width, height int, err error)
}

// Pattern draws a box bouncing across a black screen.
type Pattern struct {
	Width, Height int
	// Box is the side of the square in pixels.
	Box int
	// IdleEvery makes every n-th frame fully black. Zero disables it.
	IdleEvery int

	frame  int
	x, y   int
	dx, dy int
}

// NewPattern creates a pattern source.
func NewPattern(width, height, box int) *Pattern {
	if box > width {
		box = width
	}
	if box > height {
		box = height
	}
	return &Pattern{Width: width, Height: height, Box: box, dx: 3, dy: 2}
}

// FrameBytes is the raster size in bytes.
func (p *Pattern) FrameBytes() int {
	return p.Width * p.Height * 4
}

// Next implements Source.
func (p *Pattern) Next(dst []byte) (width, height int, err error) {
	if len(dst) < p.FrameBytes() {
		err = ErrShortBuffer
		return
	}
	dst = dst[:p.FrameBytes()]
	for i := range dst {
		dst[i] = 0
	}
	p.frame++
	width, height = p.Width, p.Height
	if p.IdleEvery > 0 && p.frame%p.IdleEvery == 0 {
		return
	}
	shade := byte(p.frame)
	for row := p.y; row < p.y+p.Box; row++ {
		line := dst[(row*p.Width+p.x)*4 : (row*p.Width+p.x+p.Box)*4]
		for i := 0; i < len(line); i += 4 {
			line[i], line[i+1], line[i+2], line[i+3] = shade, 0x80, 0xff-shade, 0xff
		}
	}
	p.step()
	return
}

func (p *Pattern) step() {
	p.x += p.dx
	p.y += p.dy
	if p.x < 0 || p.x+p.Box > p.Width {
		p.dx = -p.dx
		p.x += 2 * p.dx
	}
	if p.y < 0 || p.y+p.Box > p.Height {
		p.dy = -p.dy
		p.y += 2 * p.dy
	}
	p.x = clamp(p.x, 0, p.Width-p.Box)
	p.y = clamp(p.y, 0, p.Height-p.Box)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
