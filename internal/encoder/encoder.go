// Package encoder turns pipeline frames into bounded JPEG payloads for the
// live channel and for evidence files.
package encoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// ErrEncode is returned for malformed frames and for frames that cannot be
// brought under the size bound
var ErrEncode = errors.New("frame encode failed")

const (
	qualityStep  = 15
	qualityFloor = 30
	minDimension = 8
)

// Encoded is one JPEG-compressed frame
type Encoded struct {
	JPEG    []byte
	DataURL string
}

// Encoder compresses frames to JPEG with an upper bound on output size
type Encoder struct {
	quality  int
	maxBytes int
}

// New creates an encoder. quality is clamped to [1,100].
func New(quality, maxBytes int) *Encoder {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Encoder{quality: quality, maxBytes: maxBytes}
}

// Encode compresses frame. The frame itself is never modified.
//
// When the first encoding exceeds the size bound, quality is lowered in
// steps down to a floor, then the image is halved until it fits.
func (e *Encoder) Encode(frame types.Frame) (Encoded, error) {
	switch frame.Format {
	case types.FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return Encoded{}, fmt.Errorf("%w: decode jpeg: %v", ErrEncode, err)
		}
		if e.fits(frame.Data) {
			return wrap(frame.Data), nil
		}
		return e.compress(img)

	case types.FormatRGB24:
		img, err := RGBImage(frame)
		if err != nil {
			return Encoded{}, err
		}
		return e.compress(img)

	default:
		return Encoded{}, fmt.Errorf("%w: unsupported format %q", ErrEncode, frame.Format)
	}
}

func (e *Encoder) compress(img image.Image) (Encoded, error) {
	q := e.quality
	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return Encoded{}, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		if e.fits(buf.Bytes()) {
			return wrap(buf.Bytes()), nil
		}

		if q > qualityFloor {
			q = max(qualityFloor, q-qualityStep)
			continue
		}

		b := img.Bounds()
		if b.Dx()/2 < minDimension || b.Dy()/2 < minDimension {
			return Encoded{}, fmt.Errorf("%w: %d bytes over limit %d at minimum size",
				ErrEncode, buf.Len(), e.maxBytes)
		}
		img = halve(img)
	}
}

func (e *Encoder) fits(data []byte) bool {
	return e.maxBytes <= 0 || len(data) <= e.maxBytes
}

func wrap(data []byte) Encoded {
	return Encoded{
		JPEG:    data,
		DataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
	}
}

// RGBImage wraps an rgb24 frame as an image.Image without keeping a
// reference to frame.Data
func RGBImage(frame types.Frame) (*image.RGBA, error) {
	if frame.Format != types.FormatRGB24 {
		return nil, fmt.Errorf("%w: expected rgb24, got %q", ErrEncode, frame.Format)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrEncode, frame.Width, frame.Height)
	}
	if want := frame.Width * frame.Height * 3; len(frame.Data) != want {
		return nil, fmt.Errorf("%w: rgb24 %dx%d needs %d bytes, got %d",
			ErrEncode, frame.Width, frame.Height, want, len(frame.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for src, dst := 0, 0; src < len(frame.Data); src, dst = src+3, dst+4 {
		img.Pix[dst] = frame.Data[src]
		img.Pix[dst+1] = frame.Data[src+1]
		img.Pix[dst+2] = frame.Data[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img, nil
}

// halve downsamples img by 2 in each dimension with a 2x2 box filter
func halve(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl uint32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					cr, cg, cb, _ := img.At(b.Min.X+2*x+dx, b.Min.Y+2*y+dy).RGBA()
					r += cr >> 8
					g += cg >> 8
					bl += cb >> 8
				}
			}
			i := out.PixOffset(x, y)
			out.Pix[i] = uint8(r / 4)
			out.Pix[i+1] = uint8(g / 4)
			out.Pix[i+2] = uint8(bl / 4)
			out.Pix[i+3] = 0xff
		}
	}
	return out
}
