package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/policy"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// loop runs cycles until ctx is done or a cycle fails fatally. Each cycle
// is followed by a wait of interval minus the cycle's duration.
func (s *Service) loop(ctx context.Context) error {
	for {
		start := time.Now()

		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wait := pacingDelay(s.opts.Interval, time.Since(start))
		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// pacingDelay is how long to wait after a cycle that took elapsed.
// A cycle that overran the interval is followed by no wait at all.
func pacingDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// cycle processes one frame. Only a source failure is returned; inference,
// encode, evidence and persistence problems are logged and the loop goes on.
func (s *Service) cycle(ctx context.Context) error {
	frame, err := s.opts.Source.Read(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read frame: %w", err)
	}
	s.cycles.Add(1)
	s.lastFrameAt.Store(time.Now().UnixNano())

	if s.paused.Load() {
		s.publishFrame(frame)
		return nil
	}

	result, err := s.opts.Engine.Infer(ctx, frame)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.inferenceFailures.Add(1)
		slog.Warn("inference failed, skipping frame",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return nil
	}
	if result.Annotated.Empty() {
		result.Annotated = frame
	}

	enc, encoded := s.publishFrame(result.Annotated)

	decision, raise := s.opts.Policy.Evaluate(result, s.opts.Now())
	if !raise {
		return nil
	}

	var jpeg []byte
	if encoded {
		jpeg = enc.JPEG
	}
	// a started raise completes even if shutdown begins meanwhile
	s.raise(context.WithoutCancel(ctx), frame, decision, jpeg)
	return nil
}

func (s *Service) publishFrame(frame types.Frame) (encoder.Encoded, bool) {
	enc, err := s.opts.Encoder.Encode(frame)
	if err != nil {
		s.encodeFailures.Add(1)
		slog.Warn("frame encode failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return encoder.Encoded{}, false
	}
	s.opts.Broadcaster.PublishFrame(enc.DataURL)
	return enc, true
}

func (s *Service) raise(ctx context.Context, frame types.Frame, d policy.Decision, jpeg []byte) {
	var ref string
	if s.opts.Evidence != nil {
		if len(jpeg) == 0 {
			s.evidenceFailures.Add(1)
			slog.Warn("no encoded frame for evidence", "seq", frame.Seq)
		} else if r, err := s.opts.Evidence.Save(jpeg, d.Confidence); err != nil {
			s.evidenceFailures.Add(1)
			slog.Error("failed to save evidence", "seq", frame.Seq, "error", err)
		} else {
			ref = r
		}
	}

	ev, err := s.opts.Store.Append(ctx, types.DetectionEvent{
		Type:        d.Class,
		Severity:    d.Severity,
		Status:      types.StatusOpen,
		Zone:        s.opts.Zone,
		DetectedAt:  d.At.UTC(),
		Source:      s.opts.SourceName,
		EvidenceRef: ref,
		Confidence:  d.Confidence,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotDurable) {
			slog.Error("failed to record detection", "seq", frame.Seq, "error", err)
			return
		}
		slog.Error("detection recorded but not persisted", "id", ev.ID, "error", err)
	}

	s.raised.Add(1)
	s.opts.Broadcaster.PublishEvent(ev)
	if disp := s.opts.Dispatcher; disp != nil {
		disp.Enqueue(ev)
	}

	slog.Info("detection raised",
		"id", ev.ID,
		"type", ev.Type,
		"severity", ev.Severity,
		"confidence", fmt.Sprintf("%.2f", ev.Confidence),
		"evidence", ev.EvidenceRef,
		"trace_id", frame.TraceID,
	)
}
