package broadcast

import (
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Event names on the live channel
const (
	EventConnectionStatus = "connection_status"
	EventDetectionStats   = "detection_stats"
	EventVideoFrame       = "video_frame"
	EventNewDetection     = "new_detection"
	EventDetectionHistory = "detection_history"
	EventError            = "error"

	// EventRequestHistory is the only event accepted from observers
	EventRequestHistory = "request_history"
)

// Message is the envelope for every live-channel message
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ConnectionStatus is sent once when a session registers
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// VideoFrame carries the latest encoded frame as a data URL
type VideoFrame struct {
	Frame string `json:"frame"`
}

// History is the full record at the moment of the request
type History struct {
	Incidents []types.DetectionEvent `json:"incidents"`
}

// ErrorMessage reports a client-facing problem without closing the session
type ErrorMessage struct {
	Message string `json:"message"`
}
