// Package broadcast fans live frames and detection events out to any number
// of observer sessions without ever blocking the producer.
//
// Frames are latest-only per session (a slow reader sees fewer frames).
// Events are queued per session in id order; a session that falls too far
// behind is closed instead of silently losing events.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Snapshotter is the read side of the detection record
type Snapshotter interface {
	View(fn func(events []types.DetectionEvent))
	Stats() types.Stats
}

// Broadcaster owns the set of live sessions
type Broadcaster struct {
	record    Snapshotter
	queueSize int

	mu       sync.RWMutex
	sessions map[string]*Session

	framesPublished atomic.Uint64
	eventsPublished atomic.Uint64
	slowClosed      atomic.Uint64
}

// New creates a broadcaster reading history and stats from record.
// queueSize bounds each session's pending messages (0 = unbounded).
func New(record Snapshotter, queueSize int) *Broadcaster {
	return &Broadcaster{
		record:    record,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
	}
}

// Register creates a session and queues the connection status and current
// stats on it. Stats are read while publishers are held off, so an event is
// either counted in them or delivered live, never neither.
func (b *Broadcaster) Register() *Session {
	s := newSession(uuid.New().String(), b.queueSize)

	b.mu.Lock()
	stats := b.record.Stats()
	s.mu.Lock()
	s.enqueue(queued{msg: Message{
		Event: EventConnectionStatus,
		Data:  ConnectionStatus{Status: "connected", Message: "Connected to detection server"},
	}})
	s.enqueue(queued{msg: Message{Event: EventDetectionStats, Data: stats}})
	s.mu.Unlock()
	b.sessions[s.id] = s
	count := len(b.sessions)
	b.mu.Unlock()

	slog.Info("observer connected", "session_id", s.id, "sessions", count)
	return s
}

// Unregister closes s and forgets it. Idempotent.
func (b *Broadcaster) Unregister(s *Session) {
	s.Close()

	b.mu.Lock()
	_, ok := b.sessions[s.id]
	delete(b.sessions, s.id)
	count := len(b.sessions)
	b.mu.Unlock()

	if ok {
		st := s.stats()
		slog.Info("observer disconnected",
			"session_id", s.id,
			"sessions", count,
			"sent_events", st.SentEvents,
			"sent_frames", st.SentFrames,
			"dropped_frames", st.DroppedFrames,
		)
	}
}

// RequestHistory queues the full record on s. Live events already contained
// in the snapshot are not delivered again to s.
func (b *Broadcaster) RequestHistory(s *Session) {
	b.record.View(func(events []types.DetectionEvent) {
		incidents := make([]types.DetectionEvent, len(events))
		copy(incidents, events)

		var lastID int64
		if n := len(incidents); n > 0 {
			lastID = incidents[n-1].ID
		}

		s.deliverHistory(Message{Event: EventDetectionHistory, Data: History{Incidents: incidents}}, lastID)
	})
}

// PublishFrame offers an encoded frame (as a data URL) to every session.
// Never blocks.
func (b *Broadcaster) PublishFrame(dataURL string) {
	msg := &Message{Event: EventVideoFrame, Data: VideoFrame{Frame: dataURL}}
	b.framesPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		s.publishFrame(msg)
	}
}

// PublishEvent queues ev on every session. Never blocks; a session whose
// queue is full is closed as a slow consumer.
func (b *Broadcaster) PublishEvent(ev types.DetectionEvent) {
	msg := Message{Event: EventNewDetection, Data: ev}
	b.eventsPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.publishEvent(msg, ev.ID) {
			b.slowClosed.Add(1)
			slog.Warn("observer closed as slow consumer",
				"session_id", s.id,
				"event_id", ev.ID,
				"queue_size", b.queueSize,
			)
		}
	}
}

// SessionCount returns the number of registered sessions
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Stats is a point-in-time view of the broadcaster
type Stats struct {
	Sessions        int
	FramesPublished uint64
	EventsPublished uint64
	SlowClosed      uint64
	BySession       map[string]SessionStats
}

// Stats returns counters for the broadcaster and each session
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Sessions:        len(b.sessions),
		FramesPublished: b.framesPublished.Load(),
		EventsPublished: b.eventsPublished.Load(),
		SlowClosed:      b.slowClosed.Load(),
		BySession:       make(map[string]SessionStats, len(b.sessions)),
	}
	for id, s := range b.sessions {
		st.BySession[id] = s.stats()
	}
	return st
}

// StartStatsLogger logs broadcaster stats every interval and warns about
// sessions that dropped most frames in the last interval. Blocks until ctx
// is done.
func (b *Broadcaster) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.Stats()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := b.Stats()
			deltaFrames := st.FramesPublished - prev.FramesPublished

			for id, ss := range st.BySession {
				deltaDropped := ss.DroppedFrames - prev.BySession[id].DroppedFrames
				if deltaFrames == 0 {
					continue
				}
				if rate := float64(deltaDropped) / float64(deltaFrames); rate > 0.80 {
					slog.Warn("observer high frame drop rate",
						"session_id", id,
						"drop_rate_pct", int(rate*100),
						"dropped_last_interval", deltaDropped,
						"frames_last_interval", deltaFrames,
					)
				}
			}

			slog.Info("broadcaster stats",
				"sessions", st.Sessions,
				"frames_published", st.FramesPublished,
				"events_published", st.EventsPublished,
				"slow_closed", st.SlowClosed,
			)
			prev = st
		}
	}
}
