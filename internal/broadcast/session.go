package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionClosed is returned by Next once a session is closed
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is the close reason of a session whose event queue overflowed
	ErrSlowConsumer = errors.New("slow consumer: event queue full")

	// ErrMalformedRequest is returned for an observer message that is not a known request
	ErrMalformedRequest = errors.New("malformed request")
)

// queued is one pending message. eventID is set for new_detection messages
// so a history snapshot can supersede them.
type queued struct {
	msg     Message
	eventID int64
}

// Session is one observer's view of the live channel.
//
// Events go to a bounded FIFO queue; frames go to a single-slot mailbox
// that keeps only the latest. A single goroutine consumes with Next.
type Session struct {
	id          string
	connectedAt time.Time
	capacity    int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []queued
	frame     *Message
	watermark int64 // events with id <= watermark were already delivered as history
	closed    bool
	closeErr  error

	sentEvents    uint64
	sentFrames    uint64
	droppedFrames uint64
	skippedEvents uint64
}

func newSession(id string, capacity int) *Session {
	s := &Session{
		id:          id,
		connectedAt: time.Now(),
		capacity:    capacity,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Next blocks until at least one message is pending, then returns all
// queued messages in order followed by the latest frame, if any.
// It returns ErrSessionClosed once the session is closed and ctx.Err()
// when ctx ends first.
func (s *Session) Next(ctx context.Context) ([]Message, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && s.frame == nil && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.closed {
		return nil, s.closedError()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(s.queue)+1)
	for _, q := range s.queue {
		out = append(out, q.msg)
		if q.eventID > 0 {
			s.sentEvents++
		}
	}
	s.queue = s.queue[:0]

	if s.frame != nil {
		out = append(out, *s.frame)
		s.frame = nil
		s.sentFrames++
	}

	return out, nil
}

// SendError queues an error message for the observer
func (s *Session) SendError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(queued{msg: Message{Event: EventError, Data: ErrorMessage{Message: text}}})
}

// Close ends the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(nil)
}

// Err returns the reason the session was closed, or nil while open
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return s.closedError()
}

func (s *Session) closedError() error {
	if s.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.closeErr)
	}
	return ErrSessionClosed
}

// enqueue must be called with s.mu held. Overflow closes the session and
// reports true.
func (s *Session) enqueue(q queued) (overflowed bool) {
	if s.closed {
		return false
	}
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		s.closeLocked(ErrSlowConsumer)
		return true
	}
	s.queue = append(s.queue, q)
	s.cond.Signal()
	return false
}

func (s *Session) publishEvent(msg Message, id int64) (overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id <= s.watermark {
		s.skippedEvents++
		return false
	}
	return s.enqueue(queued{msg: msg, eventID: id})
}

func (s *Session) publishFrame(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.frame != nil {
		s.droppedFrames++
	}
	s.frame = msg
	s.cond.Signal()
}

// deliverHistory must be called while the store's read lock is held, so no
// event can be appended between the snapshot and the watermark update.
func (s *Session) deliverHistory(msg Message, lastID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.eventID > 0 && q.eventID <= lastID {
			s.skippedEvents++
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept

	if lastID > s.watermark {
		s.watermark = lastID
	}
	s.enqueue(queued{msg: msg})
}

func (s *Session) closeLocked(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = reason
	s.queue = nil
	s.frame = nil
	s.cond.Broadcast()
}

// SessionStats is a point-in-time view of one session
type SessionStats struct {
	ID            string
	ConnectedAt   time.Time
	Queued        int
	SentEvents    uint64
	SentFrames    uint64
	DroppedFrames uint64
	SkippedEvents uint64
	Closed        bool
}

func (s *Session) stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:            s.id,
		ConnectedAt:   s.connectedAt,
		Queued:        len(s.queue),
		SentEvents:    s.sentEvents,
		SentFrames:    s.sentFrames,
		DroppedFrames: s.droppedFrames,
		SkippedEvents: s.skippedEvents,
		Closed:        s.closed,
	}
}
