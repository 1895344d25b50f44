package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidStatus is returned when a status string is not a known lifecycle state
var ErrInvalidStatus = errors.New("invalid detection status")

// Severity is the coarse tier of a raised event, derived from its confidence
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
)

// SeverityFor maps a confidence score to its severity tier.
// c >= 0.9 is Critical, 0.8 <= c < 0.9 is High, anything lower is Medium.
func SeverityFor(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityCritical
	case confidence >= 0.8:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Status is the lifecycle state of a detection event
type Status string

const (
	StatusOpen         Status = "Open"
	StatusAcknowledged Status = "Acknowledged"
	StatusResolved     Status = "Resolved"
)

// ParseStatus validates s against the known lifecycle states
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// DetectionEvent is the unit of record persisted by the store
type DetectionEvent struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	Zone        string    `json:"zone"`
	DetectedAt  time.Time `json:"detectedAt"`
	Source      string    `json:"source"`
	EvidenceRef string    `json:"evidenceRef"`
	Confidence  float64   `json:"confidence"`
}

// CriticalOpen reports whether the event counts toward the critical-open gauge
func (e DetectionEvent) CriticalOpen() bool {
	return e.Severity == SeverityCritical && e.Status != StatusResolved
}

// Stats are the aggregate counters sent to observers on connect
type Stats struct {
	TotalDetections int `json:"totalDetections"`
	CriticalOpen    int `json:"criticalOpen"`
}

// ComputeStats aggregates a sequence of events
func ComputeStats(events []DetectionEvent) Stats {
	s := Stats{TotalDetections: len(events)}
	for _, e := range events {
		if e.CriticalOpen() {
			s.CriticalOpen++
		}
	}
	return s
}
