package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/broadcast"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/emitter"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/evidence"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/policy"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/worker"
)

const (
	statsLogInterval  = 10 * time.Second
	notificationQueue = 64
)

// Build creates every component described by cfg around source and
// returns the service. Broker connections that fail are logged and
// skipped; the pipeline runs without them.
func Build(ctx context.Context, cfg *config.Config, source stream.FrameSource) (*Service, error) {
	engine, err := NewEngine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	st, err := store.Open(ctx, backend)
	if err != nil {
		engine.Close()
		if backend != nil {
			backend.Close()
		}
		return nil, err
	}

	ev, err := evidence.NewWriter(cfg.Evidence.Dir, cfg.Evidence.URLPrefix)
	if err != nil {
		engine.Close()
		st.Close()
		return nil, fmt.Errorf("failed to initialize evidence writer: %w", err)
	}

	opts := Options{
		InstanceID:    cfg.InstanceID,
		Source:        source,
		Engine:        engine,
		Encoder:       encoder.New(cfg.Encoder.Quality, cfg.Encoder.MaxBytes),
		Policy:        policy.New(cfg.Detection.ConfidenceThreshold, cfg.Cooldown()),
		Store:         st,
		Broadcaster:   broadcast.New(st, cfg.Server.SessionQueue),
		Evidence:      ev,
		Zone:          cfg.Camera.Zone,
		SourceName:    cfg.Camera.Source,
		Interval:      cfg.FrameInterval(),
		StatsInterval: statsLogInterval,
	}

	var notifiers []emitter.Notifier

	if cfg.MQTT.Broker != "" {
		m := emitter.NewMQTTEmitter(cfg)
		if err := m.Connect(ctx); err != nil {
			slog.Warn("mqtt unavailable, continuing without it", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			opts.MQTT = m
			notifiers = append(notifiers, m)
		}
	}

	if cfg.NATS.URL != "" {
		n, err := emitter.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Warn("nats unavailable, continuing without it", "url", cfg.NATS.URL, "error", err)
		} else {
			opts.NATS = n
			notifiers = append(notifiers, n)
		}
	}

	if len(notifiers) > 0 {
		opts.Dispatcher = emitter.NewDispatcher(notificationQueue, notifiers...)
	}

	return New(opts)
}

// NewEngine creates and starts the configured inference engine
func NewEngine(ctx context.Context, cfg *config.Config) (worker.InferenceEngine, error) {
	switch cfg.Model.Engine {
	case "scripted":
		slog.Info("using scripted inference engine",
			"class", cfg.Model.ScriptClass,
			"script", cfg.Model.Script,
		)
		return worker.NewScriptedEngine(cfg.Model.ScriptClass, cfg.Model.Script)

	case "python":
		d, err := worker.NewPythonDetector(worker.PythonConfig{
			ID:         cfg.InstanceID + "-detector",
			Command:    cfg.Model.WorkerCmd,
			ModelPath:  cfg.Model.ModelPath,
			Confidence: cfg.Model.Confidence,
			Timeout:    time.Duration(cfg.Model.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		if err := d.Start(ctx); err != nil {
			return nil, err
		}
		slog.Info("python detector configured",
			"model", cfg.Model.ModelPath,
			"confidence", cfg.Model.Confidence,
		)
		return d, nil

	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Model.Engine)
	}
}

// NewBackend opens the configured durability backend (nil for memory)
func NewBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	s := cfg.Storage
	switch s.Backend {
	case "json":
		slog.Info("using json file storage", "path", s.Path)
		return store.NewJSONFile(s.Path), nil
	case "sqlite":
		slog.Info("using sqlite storage", "path", s.Path)
		return store.OpenSQLite(ctx, s.Path)
	case "redis":
		slog.Info("using redis storage", "addr", s.RedisAddr, "key", s.RedisKey)
		return store.NewRedis(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB, s.RedisKey)
	case "memory":
		slog.Warn("using in-memory storage, detections are lost on restart")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}
