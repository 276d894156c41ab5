package vfr

import (
	"math"

	"github.com/zsiec/reel/internal/media"
)

const (
	blockSize = 16
	// downscaleWidth is the frame width from which the metric runs on a
	// 4x downscaled copy of the luma plane.
	downscaleWidth = 1280
)

// gammaLUT maps 8-bit luma to a 12-bit gamma 2.2 value so differences in
// bright areas weigh more than in dark ones.
var gammaLUT = func() (lut [256]int32) {
	for i := range lut {
		lut[i] = int32(4095 * math.Pow(float64(i)/255, 2.2))
	}
	return lut
}()

// plane is a packed luma plane.
type plane struct {
	pix  []byte
	w, h int
}

// lumaPlane copies the luma plane described by b.Frame, downscaling large
// frames. It returns a zero plane when b carries no decoded picture.
func lumaPlane(b *media.Buffer) plane {
	f := b.Frame
	if f.Width <= 0 || f.Height <= 0 || f.Stride < f.Width || len(b.Payload) < f.Stride*(f.Height-1)+f.Width {
		return plane{}
	}
	if f.Width >= downscaleWidth {
		return downscale(b.Payload, f)
	}
	p := plane{pix: make([]byte, f.Width*f.Height), w: f.Width, h: f.Height}
	for y := range f.Height {
		copy(p.pix[y*f.Width:(y+1)*f.Width], b.Payload[y*f.Stride:])
	}
	return p
}

// downscale averages 4x4 blocks.
func downscale(src []byte, f media.FrameInfo) plane {
	w, h := f.Width/4, f.Height/4
	p := plane{pix: make([]byte, w*h), w: w, h: h}
	for y := range h {
		for x := range w {
			sum := 0
			for yy := range 4 {
				row := (y*4+yy)*f.Stride + x*4
				sum += int(src[row]) + int(src[row+1]) + int(src[row+2]) + int(src[row+3])
			}
			p.pix[y*w+x] = byte(sum / 16)
		}
	}
	return p
}

// motionMetric is the mean over whole 16x16 blocks of the squared
// difference of gamma-weighted luma. Planes of different size, or too small
// to hold one block, score zero.
func motionMetric(a, b plane) float64 {
	if a.w != b.w || a.h != b.h {
		return 0
	}
	w, h := a.w/blockSize*blockSize, a.h/blockSize*blockSize
	if w == 0 || h == 0 {
		return 0
	}
	var sum uint64
	for y := 0; y < h; y += blockSize {
		for x := 0; x < w; x += blockSize {
			var block uint64
			for yy := range blockSize {
				row := (y+yy)*a.w + x
				for xx := range blockSize {
					d := int64(gammaLUT[a.pix[row+xx]] - gammaLUT[b.pix[row+xx]])
					block += uint64(d * d)
				}
			}
			sum += block
		}
	}
	return float64(sum) / float64(w*h)
}
