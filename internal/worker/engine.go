// Package worker runs object detection on frames.
//
// PythonDetector drives an external detector process over a length-prefixed
// msgpack protocol on stdin/stdout. ScriptedEngine replays a fixed confidence
// sequence and is used for demos and tests.
package worker

import (
	"context"
	"errors"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// ErrInference is returned when a single frame could not be inferenced.
// The pipeline skips the frame and continues.
var ErrInference = errors.New("inference failed")

// InferenceEngine turns a frame into detections plus an annotated render
type InferenceEngine interface {
	Infer(ctx context.Context, frame types.Frame) (types.InferenceResult, error)
	Close() error
}

// Metrics are the counters an engine reports for health checks
type Metrics struct {
	Inferences    uint64
	Failures      uint64
	Restarts      uint64
	LastLatencyMS float64
}
