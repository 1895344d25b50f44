package types

import "time"

// FrameFormat describes how Frame.Data is laid out
type FrameFormat string

const (
	// FormatRGB24 is packed 8-bit RGB, 3 bytes per pixel, row-major
	FormatRGB24 FrameFormat = "rgb24"
	// FormatJPEG is a complete JPEG bitstream
	FormatJPEG FrameFormat = "jpeg"
)

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format of Data
	Format FrameFormat
	// Data contains the frame bytes. Consumers must not modify it.
	Data []byte
	// Source identifies the originating feed
	Source string
	// TraceID follows the frame through capture, inference and broadcast
	TraceID string
}

// Empty reports whether the frame carries no pixel data
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	c := f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return c
}
