package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), nil)
	require.NoError(t, err)
	return s
}

func raise(t *testing.T, s *store.Store, b *Broadcaster, confidence float64) types.DetectionEvent {
	t.Helper()
	ev, err := s.Append(context.Background(), types.DetectionEvent{
		Type:       "crack",
		Severity:   types.SeverityFor(confidence),
		Zone:       "Camera-1",
		DetectedAt: time.Now().UTC(),
		Source:     "Webcam-YOLO",
		Confidence: confidence,
	})
	require.NoError(t, err)
	b.PublishEvent(ev)
	return ev
}

func next(t *testing.T, s *Session) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := s.Next(ctx)
	require.NoError(t, err)
	return msgs
}

func events(msgs []Message) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.Event
	}
	return names
}

func TestRegisterQueuesStatusAndStats(t *testing.T) {
	st := newStore(t)
	b := New(st, 16)
	raise(t, st, b, 0.95)
	raise(t, st, b, 0.85)

	sess := b.Register()
	defer b.Unregister(sess)

	msgs := next(t, sess)
	require.Equal(t, []string{EventConnectionStatus, EventDetectionStats}, events(msgs))
	assert.Equal(t, "connected", msgs[0].Data.(ConnectionStatus).Status)
	assert.Equal(t, types.Stats{TotalDetections: 2, CriticalOpen: 1}, msgs[1].Data)
}

// TestTwoObservers registers A, raises an event, registers B, then has B
// request history. A sees the event live; B sees it once, in the history.
func TestTwoObservers(t *testing.T) {
	st := newStore(t)
	b := New(st, 16)

	a := b.Register()
	defer b.Unregister(a)
	next(t, a)

	ev := raise(t, st, b, 0.95)

	bob := b.Register()
	defer b.Unregister(bob)
	b.RequestHistory(bob)

	msgsA := next(t, a)
	require.Equal(t, []string{EventNewDetection}, events(msgsA))
	assert.Equal(t, ev, msgsA[0].Data)

	msgsB := next(t, bob)
	require.Equal(t, []string{EventConnectionStatus, EventDetectionStats, EventDetectionHistory}, events(msgsB))
	assert.Equal(t, []types.DetectionEvent{ev}, msgsB[2].Data.(History).Incidents)

	// A republish of an event already in B's history is skipped for B only
	b.PublishEvent(ev)
	assert.Equal(t, []string{EventNewDetection}, events(next(t, a)))

	later := raise(t, st, b, 0.75)
	msgsB = next(t, bob)
	require.Equal(t, []string{EventNewDetection}, events(msgsB))
	assert.Equal(t, later.ID, msgsB[0].Data.(types.DetectionEvent).ID)
}

// TestHistoryQueuedEventsAreSuperseded publishes events to a session before
// it asks for history; the history replaces them so nothing is duplicated.
func TestHistoryQueuedEventsAreSuperseded(t *testing.T) {
	st := newStore(t)
	b := New(st, 64)

	sess := b.Register()
	defer b.Unregister(sess)

	for i := 0; i < 3; i++ {
		raise(t, st, b, 0.9)
	}
	b.RequestHistory(sess)

	msgs := next(t, sess)
	assert.Equal(t, []string{EventConnectionStatus, EventDetectionStats, EventDetectionHistory}, events(msgs))
	assert.Len(t, msgs[2].Data.(History).Incidents, 3)
}

// TestHistoryConsistencyUnderLoad requests history while a producer is
// raising events; the union of the history and the live events that follow
// must contain every id exactly once, in order.
func TestHistoryConsistencyUnderLoad(t *testing.T) {
	st := newStore(t)
	b := New(st, 0)

	const total = 300

	sess := b.Register()
	defer b.Unregister(sess)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			raise(t, st, b, 0.8)
		}
	}()

	time.Sleep(time.Millisecond)
	b.RequestHistory(sess)
	wg.Wait()

	var ids []int64
	for len(ids) < total {
		msgs := next(t, sess)
		for _, m := range msgs {
			switch m.Event {
			case EventDetectionHistory:
				for _, ev := range m.Data.(History).Incidents {
					ids = append(ids, ev.ID)
				}
			case EventNewDetection:
				ids = append(ids, m.Data.(types.DetectionEvent).ID)
			}
		}
	}

	require.Len(t, ids, total)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestFramesAreLatestOnly(t *testing.T) {
	b := New(newStore(t), 16)
	sess := b.Register()
	defer b.Unregister(sess)
	next(t, sess)

	for _, f := range []string{"frame-1", "frame-2", "frame-3"} {
		b.PublishFrame(f)
	}

	msgs := next(t, sess)
	require.Equal(t, []string{EventVideoFrame}, events(msgs))
	assert.Equal(t, VideoFrame{Frame: "frame-3"}, msgs[0].Data)

	st := b.Stats().BySession[sess.ID()]
	assert.Equal(t, uint64(2), st.DroppedFrames)
	assert.Equal(t, uint64(1), st.SentFrames)
}

func TestEventsPrecedeFrameInBatch(t *testing.T) {
	st := newStore(t)
	b := New(st, 16)
	sess := b.Register()
	defer b.Unregister(sess)
	next(t, sess)

	b.PublishFrame("f")
	raise(t, st, b, 0.9)
	raise(t, st, b, 0.9)

	assert.Equal(t, []string{EventNewDetection, EventNewDetection, EventVideoFrame}, events(next(t, sess)))
}

func TestSlowObserverIsClosed(t *testing.T) {
	st := newStore(t)
	b := New(st, 3)

	slow := b.Register() // connection_status + detection_stats already queued
	fast := b.Register()
	defer b.Unregister(fast)
	next(t, fast)

	raise(t, st, b, 0.9)
	next(t, fast)
	raise(t, st, b, 0.9) // overflows slow
	next(t, fast)

	_, err := slow.Next(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrSlowConsumer)
	assert.Equal(t, uint64(1), b.Stats().SlowClosed)

	raise(t, st, b, 0.9)
	assert.Len(t, next(t, fast), 1, "other observers are unaffected")

	b.Unregister(slow)
	assert.Equal(t, 1, b.SessionCount())
}

func TestPublishNeverBlocksWithoutReaders(t *testing.T) {
	st := newStore(t)
	b := New(st, 0)
	for i := 0; i < 4; i++ {
		b.Register()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			b.PublishFrame("f")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("PublishFrame blocked")
	}
}

func TestNextHonorsContext(t *testing.T) {
	b := New(newStore(t), 16)
	sess := b.Register()
	defer b.Unregister(sess)
	next(t, sess)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sess.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUnregisterWakesReader(t *testing.T) {
	b := New(newStore(t), 16)
	sess := b.Register()
	next(t, sess)

	errc := make(chan error, 1)
	go func() {
		_, err := sess.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Unregister(sess)
	b.Unregister(sess)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.NotErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Unregister")
	}

	assert.NotPanics(t, func() {
		b.PublishFrame("f")
		b.PublishEvent(types.DetectionEvent{ID: 99})
	})
	assert.Zero(t, b.SessionCount())
}

func TestSendError(t *testing.T) {
	b := New(newStore(t), 16)
	sess := b.Register()
	defer b.Unregister(sess)
	next(t, sess)

	sess.SendError("unknown event")
	msgs := next(t, sess)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{Event: EventError, Data: ErrorMessage{Message: "unknown event"}}, msgs[0])
}

// TestRegisterDuringPublishLosesNothing registers observers while events are
// raised. Each event must be counted in the observer's greeting stats or
// delivered to it live.
func TestRegisterDuringPublishLosesNothing(t *testing.T) {
	const total = 200
	st := newStore(t)
	b := New(st, total+8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			raise(t, st, b, 0.9)
		}
	}()

	var sessions []*Session
	for i := 0; i < 20; i++ {
		sessions = append(sessions, b.Register())
		time.Sleep(100 * time.Microsecond)
	}
	<-done

	for _, s := range sessions {
		var counted int
		live := make(map[int64]bool)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			msgs, err := s.Next(ctx)
			cancel()
			if err != nil {
				break
			}
			for _, m := range msgs {
				switch m.Event {
				case EventDetectionStats:
					counted = m.Data.(types.Stats).TotalDetections
				case EventNewDetection:
					live[m.Data.(types.DetectionEvent).ID] = true
				}
			}
		}
		for id := int64(counted + 1); id <= total; id++ {
			assert.True(t, live[id], "session %s missed event %d (stats counted %d)", s.ID(), id, counted)
		}
	}
}
