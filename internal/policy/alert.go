// Package policy decides, frame by frame, whether an inference result is a
// reportable event.
//
// The decision is a threshold on the highest confidence in the frame plus a
// global cooldown: once an event is raised, nothing else is raised until the
// cooldown elapses, regardless of class.
package policy

import (
	"sync"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Decision describes a raised event before it is persisted
type Decision struct {
	// Class is the label of the highest-confidence detection
	Class string
	// Confidence is the maximum confidence of the frame
	Confidence float64
	// Severity is derived from Confidence once, here
	Severity types.Severity
	// At is the evaluation time that raised the event
	At time.Time
}

// AlertPolicy is a threshold + global cooldown decision function.
// Evaluate must be called exactly once per pipeline cycle.
type AlertPolicy struct {
	threshold float64
	cooldown  time.Duration

	mu        sync.Mutex
	lastRaise time.Time // zero until the first raise
}

// New creates a policy with the given confidence threshold and cooldown
func New(threshold float64, cooldown time.Duration) *AlertPolicy {
	return &AlertPolicy{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Evaluate returns a Decision and true when result should be raised at now.
// A raise records now as the start of the next cooldown window.
func (p *AlertPolicy) Evaluate(result types.InferenceResult, now time.Time) (Decision, bool) {
	top, ok := result.Top()
	if !ok {
		return Decision{}, false
	}

	if top.Confidence < p.threshold {
		return Decision{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastRaise.IsZero() && now.Sub(p.lastRaise) < p.cooldown {
		return Decision{}, false
	}

	p.lastRaise = now

	return Decision{
		Class:      top.Class,
		Confidence: top.Confidence,
		Severity:   types.SeverityFor(top.Confidence),
		At:         now,
	}, true
}

// LastRaise returns the time of the most recent raise (zero if none)
func (p *AlertPolicy) LastRaise() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRaise
}

// Threshold returns the configured confidence threshold
func (p *AlertPolicy) Threshold() float64 {
	return p.threshold
}

// Cooldown returns the configured cooldown
func (p *AlertPolicy) Cooldown() time.Duration {
	return p.cooldown
}
