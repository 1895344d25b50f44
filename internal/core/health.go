package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/worker"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status            string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds     int64   `json:"uptime_seconds"`
	Running           bool    `json:"running"`
	Paused            bool    `json:"paused"`
	SourceOpen        bool    `json:"source_open"`
	LastFrameAgeS     float64 `json:"last_frame_age_s"`
	Cycles            uint64  `json:"cycles"`
	Raised            uint64  `json:"raised"`
	InferenceFailures uint64  `json:"inference_failures"`
	EncodeFailures    uint64  `json:"encode_failures"`
	PersistFailures   uint64  `json:"persist_failures"`
	Sessions          int     `json:"sessions"`
	MQTTConnected     bool    `json:"mqtt_connected"`
}

// staleFrameAge marks the service degraded when no frame arrived for longer
const staleFrameAge = 5 * time.Second

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running, started := s.isRunning, s.started
	s.mu.RUnlock()

	h := HealthStatus{
		Status:            "healthy",
		Running:           running,
		Paused:            s.paused.Load(),
		Cycles:            s.cycles.Load(),
		Raised:            s.raised.Load(),
		InferenceFailures: s.inferenceFailures.Load(),
		EncodeFailures:    s.encodeFailures.Load(),
		PersistFailures:   s.opts.Store.PersistFailures(),
		Sessions:          s.opts.Broadcaster.SessionCount(),
	}
	if !started.IsZero() {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if rep, ok := s.opts.Source.(stream.StatsReporter); ok {
		h.SourceOpen = rep.Stats().Open
	} else {
		h.SourceOpen = running
	}
	if last := s.lastFrameAt.Load(); last > 0 {
		h.LastFrameAgeS = time.Since(time.Unix(0, last)).Seconds()
	}
	if s.opts.MQTT != nil {
		h.MQTTConnected = s.opts.MQTT.Stats().Connected
	}

	switch {
	case !running:
		h.Status = "unhealthy"
	case h.LastFrameAgeS > staleFrameAge.Seconds(), h.PersistFailures > 0:
		h.Status = "degraded"
	}
	return h
}

// Status is the control-plane view of HealthCheck plus current stats
func (s *Service) Status() map[string]any {
	h := s.HealthCheck()
	st := s.opts.Store.Stats()
	return map[string]any{
		"status":          h.Status,
		"uptime_seconds":  h.UptimeSeconds,
		"paused":          h.Paused,
		"cycles":          h.Cycles,
		"raised":          h.Raised,
		"sessions":        h.Sessions,
		"totalDetections": st.TotalDetections,
		"criticalOpen":    st.CriticalOpen,
		"last_raise":      s.opts.Policy.LastRaise(),
	}
}

// LivenessHandler handles /health: 200 while the process is alive
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": s.HealthCheck().UptimeSeconds,
	})
}

// ReadinessHandler handles /readiness: 503 unless the loop is running
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	h := s.HealthCheck()
	st := s.opts.Store.Stats()
	bs := s.opts.Broadcaster.Stats()
	inst := s.opts.InstanceID

	gauge := func(name string, v any) {
		fmt.Fprintf(w, "aarohan_%s{instance=%q} %v\n", name, inst, v)
	}

	gauge("uptime_seconds", h.UptimeSeconds)
	gauge("cycles_total", h.Cycles)
	gauge("detections_raised_total", h.Raised)
	gauge("detections_total", st.TotalDetections)
	gauge("detections_critical_open", st.CriticalOpen)
	gauge("inference_failures_total", h.InferenceFailures)
	gauge("encode_failures_total", h.EncodeFailures)
	gauge("persist_failures_total", h.PersistFailures)
	gauge("detections_pending", s.opts.Store.Pending())
	gauge("evidence_failures_total", s.evidenceFailures.Load())
	gauge("sessions", bs.Sessions)
	gauge("frames_published_total", bs.FramesPublished)
	gauge("slow_sessions_closed_total", bs.SlowClosed)

	if m, ok := s.opts.Engine.(interface{ Metrics() worker.Metrics }); ok {
		wm := m.Metrics()
		gauge("engine_inferences_total", wm.Inferences)
		gauge("engine_restarts_total", wm.Restarts)
		gauge("engine_last_latency_ms", wm.LastLatencyMS)
	}
	if d := s.opts.Dispatcher; d != nil {
		ds := d.Stats()
		gauge("notifications_delivered_total", ds.Delivered)
		gauge("notifications_failed_total", ds.Failed)
		gauge("notifications_dropped_total", ds.Dropped)
	}
}
