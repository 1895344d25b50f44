// Package stream defines the frame sources the detection loop reads from.
package stream

import (
	"context"
	"errors"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

var (
	// ErrSourceExhausted is returned by Read when the source will never
	// produce another frame (end of stream, device lost, read failure)
	ErrSourceExhausted = errors.New("frame source exhausted")

	// ErrSourceUnavailable is returned by Open when the source cannot start
	ErrSourceUnavailable = errors.New("frame source unavailable")
)

// FrameSource yields frames one at a time. Read blocks until a frame is
// available, the source fails, or ctx is done. A single goroutine calls Read.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (types.Frame, error)
	Close() error
}

// Stats are the counters a source reports for health checks
type Stats struct {
	FramesRead    uint64
	FramesDropped uint64
	Width         int
	Height        int
	Source        string
	Open          bool
}

// StatsReporter is implemented by sources that expose counters
type StatsReporter interface {
	Stats() Stats
}
