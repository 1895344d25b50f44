package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults for unset fields
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "aarohan"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Stream.TargetFPS == 0 {
		cfg.Stream.TargetFPS = 30
	}
	if cfg.Stream.TargetFPS < 0 || cfg.Stream.TargetFPS > 120 {
		return fmt.Errorf("stream.target_fps must be in (0, 120], got %v", cfg.Stream.TargetFPS)
	}
	if cfg.Stream.MockFrames < 0 {
		return fmt.Errorf("stream.mock_frames must be >= 0")
	}

	if cfg.Detection.ConfidenceThreshold == 0 {
		cfg.Detection.ConfidenceThreshold = 0.7
	}
	if cfg.Detection.ConfidenceThreshold < 0 || cfg.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be between 0 and 1")
	}
	if cfg.Detection.CooldownS == nil {
		cooldown := 2.0
		cfg.Detection.CooldownS = &cooldown
	}
	if *cfg.Detection.CooldownS < 0 {
		return fmt.Errorf("detection.cooldown_s must be >= 0")
	}

	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := validateStorage(&cfg.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if cfg.Evidence.Dir == "" {
		cfg.Evidence.Dir = "output"
	}
	if cfg.Evidence.URLPrefix == "" {
		cfg.Evidence.URLPrefix = "/output"
	}

	if cfg.Encoder.Quality == 0 {
		cfg.Encoder.Quality = 85
	}
	if cfg.Encoder.Quality < 1 || cfg.Encoder.Quality > 100 {
		return fmt.Errorf("encoder.quality must be between 1 and 100")
	}
	if cfg.Encoder.MaxBytes == 0 {
		cfg.Encoder.MaxBytes = 512 * 1024
	}
	if cfg.Encoder.MaxBytes < 1024 {
		return fmt.Errorf("encoder.max_bytes must be >= 1024")
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:5500"
	}
	if cfg.Server.SessionQueue <= 0 {
		cfg.Server.SessionQueue = 256
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("aarohan/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Detections == "" {
		cfg.MQTT.Topics.Detections = fmt.Sprintf("aarohan/detections/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Responses == "" {
		cfg.MQTT.Topics.Responses = cfg.MQTT.Topics.Control + "/responses"
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":    1,
			"detections": 1,
		}
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "detections"
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Kind == "" {
		c.Kind = "mock"
	}
	switch c.Kind {
	case "mock":
	case "v4l2":
		if c.Device == "" {
			c.Device = "/dev/video0"
		}
	case "rtsp":
		if c.RTSPURL == "" {
			return fmt.Errorf("rtsp_url is %w for kind rtsp", errRequired)
		}
	default:
		return fmt.Errorf("unknown kind %q (must be mock, v4l2 or rtsp)", c.Kind)
	}
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be positive")
	}
	if c.Zone == "" {
		c.Zone = "Camera-1"
	}
	if c.Source == "" {
		c.Source = "Webcam-YOLO"
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.Engine == "" {
		m.Engine = "scripted"
	}
	switch m.Engine {
	case "python":
		if m.ModelPath == "" {
			return fmt.Errorf("model_path is %w for the python engine", errRequired)
		}
		if m.WorkerCmd == "" {
			m.WorkerCmd = "models/run_worker.sh"
		}
	case "scripted":
		if len(m.Script) == 0 {
			m.Script = []float64{0.5, 0.95, 0.81, 0.75}
		}
		if m.ScriptClass == "" {
			m.ScriptClass = "object"
		}
	default:
		return fmt.Errorf("unknown engine %q (must be python or scripted)", m.Engine)
	}
	if m.Confidence <= 0 {
		m.Confidence = 0.25
	}
	if m.TimeoutMS <= 0 {
		m.TimeoutMS = 2000
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	if s.Backend == "" {
		s.Backend = "json"
	}
	switch s.Backend {
	case "json":
		if s.Path == "" {
			s.Path = "data/detections.json"
		}
	case "sqlite":
		if s.Path == "" {
			s.Path = "data/detections.db"
		}
	case "redis":
		if s.RedisAddr == "" {
			s.RedisAddr = "localhost:6379"
		}
		if s.RedisKey == "" {
			s.RedisKey = "aarohan:detections"
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend %q (must be json, sqlite, redis or memory)", s.Backend)
	}
	return nil
}
