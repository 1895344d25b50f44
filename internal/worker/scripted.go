package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// ScriptedEngine reports one detection per frame, cycling through a fixed
// list of confidences. The box sits in the middle third of the frame.
type ScriptedEngine struct {
	class       string
	confidences []float64

	mu   sync.Mutex
	next int

	inferences atomic.Uint64
}

// NewScriptedEngine creates an engine cycling through confidences
func NewScriptedEngine(class string, confidences []float64) (*ScriptedEngine, error) {
	if len(confidences) == 0 {
		return nil, fmt.Errorf("scripted engine: at least one confidence is required")
	}
	return &ScriptedEngine{
		class:       class,
		confidences: append([]float64(nil), confidences...),
	}, nil
}

// Infer returns the next scripted detection. A negative confidence in the
// script yields an empty result for that frame.
func (e *ScriptedEngine) Infer(ctx context.Context, frame types.Frame) (types.InferenceResult, error) {
	if err := ctx.Err(); err != nil {
		return types.InferenceResult{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	e.mu.Lock()
	c := e.confidences[e.next%len(e.confidences)]
	e.next++
	e.mu.Unlock()

	e.inferences.Add(1)

	if c < 0 {
		return types.NewInferenceResult(nil, frame), nil
	}

	dets := []types.Detection{{
		Class:      e.class,
		Confidence: c,
		BBox: types.BBox{
			X1: frame.Width / 3,
			Y1: frame.Height / 3,
			X2: 2 * frame.Width / 3,
			Y2: 2 * frame.Height / 3,
		},
	}}
	return types.NewInferenceResult(dets, encoder.Annotate(frame, dets)), nil
}

// Close is a no-op
func (e *ScriptedEngine) Close() error {
	return nil
}

// Metrics returns engine counters
func (e *ScriptedEngine) Metrics() Metrics {
	return Metrics{Inferences: e.inferences.Load()}
}
