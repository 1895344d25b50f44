package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete Aarohan configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	LogLevel         string          `yaml:"log_level"`          // debug, info, warn, error
	Camera           CameraConfig    `yaml:"camera"`
	Stream           StreamConfig    `yaml:"stream"`
	Detection        DetectionConfig `yaml:"detection"`
	Model            ModelConfig     `yaml:"model"`
	Storage          StorageConfig   `yaml:"storage"`
	Evidence         EvidenceConfig  `yaml:"evidence"`
	Encoder          EncoderConfig   `yaml:"encoder"`
	Server           ServerConfig    `yaml:"server"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	NATS             NATSConfig      `yaml:"nats"`
}

// CameraConfig identifies the capture device and how its events are tagged
type CameraConfig struct {
	Kind    string `yaml:"kind"`     // mock, v4l2, rtsp
	Device  string `yaml:"device"`   // /dev/video0 for v4l2
	RTSPURL string `yaml:"rtsp_url"` // for rtsp
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Zone    string `yaml:"zone"`   // location tag written on every event
	Source  string `yaml:"source"` // feed identifier written on every event
}

// StreamConfig contains pacing settings
type StreamConfig struct {
	TargetFPS  float64 `yaml:"target_fps"`
	MockFrames int     `yaml:"mock_frames"` // mock camera only: frames before exhaustion (0 = unbounded)
}

// DetectionConfig contains the alert policy settings
type DetectionConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	CooldownS           *float64 `yaml:"cooldown_s"` // unset means 2s; 0 disables the cooldown
}

// ModelConfig selects and configures the inference engine
type ModelConfig struct {
	Engine      string    `yaml:"engine"`       // python, scripted
	WorkerCmd   string    `yaml:"worker_cmd"`   // wrapper that starts the python detector
	ModelPath   string    `yaml:"model_path"`   // weights passed to the worker
	Confidence  float64   `yaml:"confidence"`   // worker-side minimum score
	TimeoutMS   int       `yaml:"timeout_ms"`   // per-frame inference timeout
	Script      []float64 `yaml:"script"`       // scripted engine: confidences to cycle through
	ScriptClass string    `yaml:"script_class"` // scripted engine: class label
}

// StorageConfig selects the durable backend of the detection log
type StorageConfig struct {
	Backend       string `yaml:"backend"` // json, sqlite, redis, memory
	Path          string `yaml:"path"`    // json file or sqlite database
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

// EvidenceConfig controls where annotated frames of raised events are saved
type EvidenceConfig struct {
	Dir       string `yaml:"dir"`
	URLPrefix string `yaml:"url_prefix"`
}

// EncoderConfig bounds the live frame representation
type EncoderConfig struct {
	Quality  int `yaml:"quality"`   // JPEG quality 1-100
	MaxBytes int `yaml:"max_bytes"` // upper bound for one encoded frame
}

// ServerConfig contains the live channel / query API settings
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	SessionQueue int    `yaml:"session_queue"` // per-subscriber event queue bound
}

// MQTTConfig contains MQTT broker settings (empty broker disables MQTT)
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control    string `yaml:"control"`
	Detections string `yaml:"detections"`
	Responses  string `yaml:"responses"`
}

// NATSConfig contains NATS settings (empty url disables NATS)
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Cooldown returns the alert cooldown as a duration
func (c *Config) Cooldown() time.Duration {
	if c.Detection.CooldownS == nil {
		return 0
	}
	return time.Duration(*c.Detection.CooldownS * float64(time.Second))
}

// FrameInterval returns the target cycle interval derived from TargetFPS
func (c *Config) FrameInterval() time.Duration {
	if c.Stream.TargetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Stream.TargetFPS)
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads an optional YAML file, overlays environment variables (.env
// included) and validates the result. An empty path yields defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides fields from AAROHAN_* variables when they are set
func applyEnv(cfg *Config) error {
	setString(&cfg.LogLevel, "AAROHAN_LOG_LEVEL")
	setString(&cfg.Camera.Kind, "AAROHAN_CAMERA_KIND")
	setString(&cfg.Camera.Device, "AAROHAN_CAMERA_DEVICE")
	setString(&cfg.Camera.RTSPURL, "AAROHAN_RTSP_URL")
	setString(&cfg.Camera.Zone, "AAROHAN_ZONE")
	setString(&cfg.Model.Engine, "AAROHAN_ENGINE")
	setString(&cfg.Model.WorkerCmd, "AAROHAN_WORKER_CMD")
	setString(&cfg.Model.ModelPath, "AAROHAN_MODEL_PATH")
	setString(&cfg.Storage.Backend, "AAROHAN_STORAGE_BACKEND")
	setString(&cfg.Storage.Path, "AAROHAN_STORAGE_PATH")
	setString(&cfg.Storage.RedisAddr, "AAROHAN_REDIS_ADDR")
	setString(&cfg.Evidence.Dir, "AAROHAN_OUTPUT_DIR")
	setString(&cfg.Server.Listen, "AAROHAN_LISTEN")
	setString(&cfg.MQTT.Broker, "AAROHAN_MQTT_BROKER")
	setString(&cfg.NATS.URL, "AAROHAN_NATS_URL")

	floats := []struct {
		dst *float64
		key string
	}{
		{&cfg.Detection.ConfidenceThreshold, "AAROHAN_CONFIDENCE_THRESHOLD"},
		{&cfg.Stream.TargetFPS, "AAROHAN_TARGET_FPS"},
	}
	for _, f := range floats {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = parsed
	}

	if v := os.Getenv("AAROHAN_COOLDOWN_S"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AAROHAN_COOLDOWN_S: %w", err)
		}
		cfg.Detection.CooldownS = &parsed
	}

	if v := os.Getenv("AAROHAN_MOCK_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AAROHAN_MOCK_FRAMES: %w", err)
		}
		cfg.Stream.MockFrames = n
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to slog.Level.
// Unknown strings default to LevelInfo.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

var errRequired = errors.New("required")
