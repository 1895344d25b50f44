// Package core wires the detection pipeline together and runs its loop.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/broadcast"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/control"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/emitter"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/evidence"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/policy"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/worker"
)

// Options are the components a Service runs. Source, Engine, Encoder,
// Policy, Store and Broadcaster are required.
type Options struct {
	InstanceID  string
	Source      stream.FrameSource
	Engine      worker.InferenceEngine
	Encoder     *encoder.Encoder
	Policy      *policy.AlertPolicy
	Store       *store.Store
	Broadcaster *broadcast.Broadcaster

	// Evidence saves the annotated frame of each raised event (optional)
	Evidence *evidence.Writer
	// Dispatcher forwards raised events to brokers (optional)
	Dispatcher *emitter.Dispatcher
	// MQTT is the broker connection shared with the control plane (optional)
	MQTT *emitter.MQTTEmitter
	// NATS is closed on shutdown when set (optional)
	NATS *emitter.NATSPublisher

	// Zone and SourceName are written on every event
	Zone       string
	SourceName string

	// Interval is the target cycle period (0 = as fast as frames arrive)
	Interval time.Duration
	// StatsInterval is the broadcaster stats logging period (0 disables)
	StatsInterval time.Duration

	// Now is the clock used for cooldown and timestamps (default time.Now)
	Now func() time.Time
}

// Service is the detection pipeline: one producer loop reading frames,
// inferring, broadcasting and raising events
type Service struct {
	opts Options

	controlHandler *control.Handler

	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   time.Time
	isRunning bool

	paused            atomic.Bool
	cycles            atomic.Uint64
	raised            atomic.Uint64
	inferenceFailures atomic.Uint64
	encodeFailures    atomic.Uint64
	evidenceFailures  atomic.Uint64
	lastFrameAt       atomic.Int64
}

// New validates opts and creates a service
func New(opts Options) (*Service, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("core: frame source is required")
	case opts.Engine == nil:
		return nil, errors.New("core: inference engine is required")
	case opts.Encoder == nil:
		return nil, errors.New("core: encoder is required")
	case opts.Policy == nil:
		return nil, errors.New("core: alert policy is required")
	case opts.Store == nil:
		return nil, errors.New("core: store is required")
	case opts.Broadcaster == nil:
		return nil, errors.New("core: broadcaster is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "aarohan"
	}
	return &Service{opts: opts}, nil
}

// Store returns the detection record
func (s *Service) Store() *store.Store {
	return s.opts.Store
}

// Broadcaster returns the live-channel fan-out
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.opts.Broadcaster
}

// Run opens the source and runs the detection loop until ctx is cancelled
// (returns nil) or the source fails (returns an error wrapping
// stream.ErrSourceExhausted or stream.ErrSourceUnavailable).
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = s.opts.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	slog.Info("detection service starting",
		"instance_id", s.opts.InstanceID,
		"interval", s.opts.Interval,
		"threshold", s.opts.Policy.Threshold(),
		"cooldown", s.opts.Policy.Cooldown(),
	)

	if err := s.opts.Source.Open(ctx); err != nil {
		return fmt.Errorf("open frame source: %w", err)
	}
	defer func() {
		if err := s.opts.Source.Close(); err != nil {
			slog.Error("failed to close frame source", "error", err)
		}
	}()

	auxCtx, cancelAux := context.WithCancel(ctx)
	defer func() {
		cancelAux()
		s.wg.Wait()
	}()
	s.startAux(auxCtx)

	err := s.loop(ctx)

	slog.Info("detection loop exiting",
		"cycles", s.cycles.Load(),
		"raised", s.raised.Load(),
		"error", err,
	)
	return err
}

// startAux launches the goroutines that live as long as the loop
func (s *Service) startAux(ctx context.Context) {
	if d := s.opts.Dispatcher; d != nil {
		// delivery outlives the loop; Shutdown drains and stops it
		d.Start(context.WithoutCancel(ctx))
	}

	if s.opts.MQTT != nil && s.opts.MQTT.Client != nil {
		s.controlHandler = control.NewHandler(s.opts.MQTT.Config(), s.opts.MQTT.Client, control.CommandCallbacks{
			OnGetStatus:    s.Status,
			OnGetStats:     s.opts.Store.Stats,
			OnUpdateStatus: s.UpdateStatus,
			OnPause:        s.Pause,
			OnResume:       s.Resume,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			slog.Warn("control plane unavailable", "error", err)
			s.controlHandler = nil
		}
	}

	if s.opts.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.opts.Broadcaster.StartStatsLogger(ctx, s.opts.StatsInterval)
		}()
	}
}

// UpdateStatus moves event id to status and notifies brokers of the change
func (s *Service) UpdateStatus(ctx context.Context, id int64, status types.Status) (types.DetectionEvent, error) {
	ev, err := s.opts.Store.UpdateStatus(ctx, id, status)
	if err != nil && !errors.Is(err, store.ErrNotDurable) {
		return ev, err
	}

	slog.Info("detection status updated", "id", id, "status", status)
	if d := s.opts.Dispatcher; d != nil {
		d.Enqueue(ev)
	}
	return ev, err
}

// Pause stops inference; frames keep flowing to observers
func (s *Service) Pause() error {
	s.paused.Store(true)
	slog.Info("detection paused")
	return nil
}

// Resume restarts inference after Pause
func (s *Service) Resume() error {
	s.paused.Store(false)
	slog.Info("detection resumed")
	return nil
}

// Paused reports whether inference is paused
func (s *Service) Paused() bool {
	return s.paused.Load()
}

// Shutdown releases everything the service owns. Run must have returned.
func (s *Service) Shutdown(ctx context.Context) error {
	slog.Info("shutting down detection service")

	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if d := s.opts.Dispatcher; d != nil {
		d.Stop()
	}
	if s.opts.MQTT != nil {
		s.opts.MQTT.Disconnect()
	}
	if s.opts.NATS != nil {
		s.opts.NATS.Close()
	}

	var errs []error
	if err := s.opts.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := s.opts.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	slog.Info("detection service shutdown complete",
		"uptime", time.Since(s.startedAt()),
		"raised", s.raised.Load(),
	)
	return errors.Join(errs...)
}

func (s *Service) startedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
