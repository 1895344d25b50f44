package types

// BBox is a bounding box in pixel coordinates of the inferenced frame
type BBox struct {
	X1 int `json:"x1" msgpack:"x1"`
	Y1 int `json:"y1" msgpack:"y1"`
	X2 int `json:"x2" msgpack:"x2"`
	Y2 int `json:"y2" msgpack:"y2"`
}

// Width of the box (never negative)
func (b BBox) Width() int {
	if b.X2 < b.X1 {
		return 0
	}
	return b.X2 - b.X1
}

// Height of the box (never negative)
func (b BBox) Height() int {
	if b.Y2 < b.Y1 {
		return 0
	}
	return b.Y2 - b.Y1
}

// Detection is one labeled, scored box produced by the detector
type Detection struct {
	Class      string  `json:"class" msgpack:"class"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	BBox       BBox    `json:"bbox" msgpack:"bbox"`
}

// InferenceResult holds the detections for one frame plus its annotated render.
// It lives for a single pipeline cycle.
type InferenceResult struct {
	Detections []Detection
	// Annotated is the frame with detections drawn on it. Falls back to the
	// input frame when the engine does not render.
	Annotated Frame
}

// NewInferenceResult builds a result, clamping every confidence into [0,1]
func NewInferenceResult(detections []Detection, annotated Frame) InferenceResult {
	for i := range detections {
		detections[i].Confidence = ClampConfidence(detections[i].Confidence)
	}
	return InferenceResult{Detections: detections, Annotated: annotated}
}

// MaxConfidence returns the highest confidence across detections.
// ok is false when the result is empty.
func (r InferenceResult) MaxConfidence() (max float64, ok bool) {
	top, ok := r.Top()
	if !ok {
		return 0, false
	}
	return top.Confidence, true
}

// Top returns the detection with the highest confidence. Ties keep the
// first detection in result order.
func (r InferenceResult) Top() (Detection, bool) {
	if len(r.Detections) == 0 {
		return Detection{}, false
	}
	best := r.Detections[0]
	for _, d := range r.Detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// ClampConfidence forces c into [0,1]
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
