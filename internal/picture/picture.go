// Package picture defines the raw pictures and access units that flow
// through the encoder.
package picture

import (
	"fmt"
	"math"
)

// FrameType is the coding type of a picture.
type FrameType int

const (
	FrameI FrameType = iota
	FrameP
	FrameB
)

// String returns the single-letter name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	default:
		return "?"
	}
}

// Picture is one raw input picture together with its coding structure.
type Picture struct {
	// POC is the display-order index.
	POC int
	// Refs are the POCs this picture predicts from.
	Refs []int
	// Level is the temporal level; 0 is the lowest inter level.
	Level int
	// Intra marks pictures coded without references.
	Intra bool

	// Luma is an optional 8-bit luma plane.
	Luma   []byte
	Width  int
	Height int
	Stride int

	// Costs are optional per-block intra cost estimates in raster order.
	// When nil they are derived from Luma, or treated as unknown.
	Costs []float64
}

// Type returns the frame type implied by the picture's structure.
func (p *Picture) Type() FrameType {
	switch {
	case p.Intra:
		return FrameI
	case len(p.Refs) > 0 && p.hasForwardRef():
		return FrameB
	default:
		return FrameP
	}
}

func (p *Picture) hasForwardRef() bool {
	for _, r := range p.Refs {
		if r > p.POC {
			return true
		}
	}
	return false
}

// CheckLuma reports an error when the luma plane is present but its
// geometry does not fit the buffer. A zero stride means the width.
func (p *Picture) CheckLuma() error {
	if len(p.Luma) == 0 {
		return nil
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("luma plane of %d bytes has size %dx%d", len(p.Luma), p.Width, p.Height)
	}
	stride := p.Stride
	if stride == 0 {
		stride = p.Width
	}
	if stride < p.Width {
		return fmt.Errorf("luma stride %d is less than width %d", stride, p.Width)
	}
	if need := lumaBytes(p.Width, p.Height, stride); len(p.Luma) < need {
		return fmt.Errorf("luma plane of %d bytes is short of %d for %dx%d stride %d",
			len(p.Luma), need, p.Width, p.Height, stride)
	}
	return nil
}

func lumaBytes(width, height, stride int) int {
	return (height-1)*stride + width
}

// AccessUnit is one coded picture handed to the sink.
type AccessUnit struct {
	POC     int
	Type    FrameType
	Level   int
	Bits    float64
	QP      int
	Lambda  float64
	Payload []byte
}

// IntraCosts returns the per-block intra cost of a luma plane: the sum of
// absolute deviations from the block mean, in raster order over a
// gridWidth x gridHeight grid of blockSize blocks. Blocks hanging off the
// plane edge only count the samples inside it.
func IntraCosts(luma []byte, width, height, stride, gridWidth, gridHeight, blockSize int) []float64 {
	costs := make([]float64, gridWidth*gridHeight)
	if len(luma) == 0 || width <= 0 || height <= 0 {
		return costs
	}
	if stride < width {
		stride = width
	}
	if len(luma) < lumaBytes(width, height, stride) {
		return costs
	}

	for by := 0; by < gridHeight; by++ {
		y0 := by * blockSize
		y1 := min(y0+blockSize, height)
		for bx := 0; bx < gridWidth; bx++ {
			x0 := bx * blockSize
			x1 := min(x0+blockSize, width)
			if y0 >= y1 || x0 >= x1 {
				continue
			}

			var sum float64
			n := 0
			for y := y0; y < y1; y++ {
				row := luma[y*stride : y*stride+x1]
				for x := x0; x < x1; x++ {
					sum += float64(row[x])
					n++
				}
			}
			mean := sum / float64(n)

			var sad float64
			for y := y0; y < y1; y++ {
				row := luma[y*stride : y*stride+x1]
				for x := x0; x < x1; x++ {
					sad += math.Abs(float64(row[x]) - mean)
				}
			}
			costs[by*gridWidth+bx] = sad
		}
	}
	return costs
}

// BlockCosts returns the picture's per-block intra costs, computing them
// from the luma plane when they were not supplied. Returns nil when neither
// is available.
func (p *Picture) BlockCosts(gridWidth, gridHeight, blockSize int) []float64 {
	if len(p.Costs) == gridWidth*gridHeight {
		return p.Costs
	}
	if len(p.Luma) == 0 {
		return nil
	}
	p.Costs = IntraCosts(p.Luma, p.Width, p.Height, p.Stride, gridWidth, gridHeight, blockSize)
	return p.Costs
}
