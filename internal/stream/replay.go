package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// ReplaySource yields a fixed sequence of frames, then reports exhaustion.
// A ReplaySource with no frames models a device that fails on first read.
type ReplaySource struct {
	frames []types.Frame

	mu     sync.Mutex
	next   int
	open   bool
	closed bool
}

// NewReplaySource creates a source replaying frames in order
func NewReplaySource(frames ...types.Frame) *ReplaySource {
	return &ReplaySource{frames: frames}
}

func (r *ReplaySource) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	return nil
}

func (r *ReplaySource) Read(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open || r.next >= len(r.frames) {
		return types.Frame{}, fmt.Errorf("%w: replay finished after %d frames", ErrSourceExhausted, r.next)
	}
	f := r.frames[r.next]
	r.next++
	return f, nil
}

func (r *ReplaySource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	r.closed = true
	return nil
}

// Closed reports whether Close has been called
func (r *ReplaySource) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *ReplaySource) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{FramesRead: uint64(r.next), Open: r.open, Source: "replay"}
}
