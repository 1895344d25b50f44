package encoder

import (
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

const boxThickness = 2

var boxColor = [3]byte{0x00, 0xff, 0x00}

// Annotate returns a copy of an rgb24 frame with every detection's box
// outlined. Frames in other formats are returned unchanged.
func Annotate(frame types.Frame, detections []types.Detection) types.Frame {
	if frame.Format != types.FormatRGB24 || len(detections) == 0 ||
		len(frame.Data) != frame.Width*frame.Height*3 {
		return frame
	}

	out := frame.Clone()
	for _, d := range detections {
		drawBox(out, d.BBox)
	}
	return out
}

func drawBox(f types.Frame, b types.BBox) {
	x1, y1 := clamp(b.X1, 0, f.Width-1), clamp(b.Y1, 0, f.Height-1)
	x2, y2 := clamp(b.X2, 0, f.Width-1), clamp(b.Y2, 0, f.Height-1)
	if x2 < x1 || y2 < y1 {
		return
	}

	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(f, x, y1+t)
			setPixel(f, x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(f, x1+t, y)
			setPixel(f, x2-t, y)
		}
	}
}

func setPixel(f types.Frame, x, y int) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := (y*f.Width + x) * 3
	copy(f.Data[i:i+3], boxColor[:])
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
