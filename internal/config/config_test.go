package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aarohan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadDefaults verifies an empty path yields a fully defaulted config
// matching the reference deployment (threshold 0.7, cooldown 2s, 30 fps).
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Detection.ConfidenceThreshold)
	assert.Equal(t, 2*time.Second, cfg.Cooldown())
	assert.Equal(t, time.Second/30, cfg.FrameInterval())
	assert.Equal(t, "json", cfg.Storage.Backend)
	assert.Equal(t, "data/detections.json", cfg.Storage.Path)
	assert.Equal(t, "Camera-1", cfg.Camera.Zone)
	assert.Equal(t, "Webcam-YOLO", cfg.Camera.Source)
	assert.Equal(t, "/output", cfg.Evidence.URLPrefix)
	assert.Equal(t, "127.0.0.1:5500", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "aarohan/control/aarohan", cfg.MQTT.Topics.Control)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
instance_id: bridge-07
camera:
  kind: rtsp
  rtsp_url: rtsp://10.0.0.4/stream
  zone: Pier-3
detection:
  confidence_threshold: 0.8
  cooldown_s: 5
stream:
  target_fps: 15
storage:
  backend: sqlite
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bridge-07", cfg.InstanceID)
	assert.Equal(t, "Pier-3", cfg.Camera.Zone)
	assert.Equal(t, 0.8, cfg.Detection.ConfidenceThreshold)
	assert.Equal(t, 5*time.Second, cfg.Cooldown())
	assert.Equal(t, "data/detections.db", cfg.Storage.Path)
	assert.Equal(t, "aarohan/detections/bridge-07", cfg.MQTT.Topics.Detections)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "detection:\n  confidence_threshold: 0.8\n")
	t.Setenv("AAROHAN_CONFIDENCE_THRESHOLD", "0.65")
	t.Setenv("AAROHAN_STORAGE_BACKEND", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.65, cfg.Detection.ConfidenceThreshold)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func ptr[T any](v T) *T { return &v }

func TestZeroCooldownIsKept(t *testing.T) {
	path := writeConfig(t, "detection:\n  cooldown_s: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Cooldown())

	t.Setenv("AAROHAN_COOLDOWN_S", "0")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Cooldown())
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("AAROHAN_COOLDOWN_S", "soon")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"bad instance id":   {InstanceID: "Bridge_07"},
		"threshold > 1":     {Detection: DetectionConfig{ConfidenceThreshold: 1.5}},
		"negative cooldown": {Detection: DetectionConfig{CooldownS: ptr(-1.0)}},
		"rtsp without url":  {Camera: CameraConfig{Kind: "rtsp"}},
		"unknown camera":    {Camera: CameraConfig{Kind: "usb"}},
		"python no model":   {Model: ModelConfig{Engine: "python"}},
		"unknown backend":   {Storage: StorageConfig{Backend: "csv"}},
		"quality too high":  {Encoder: EncoderConfig{Quality: 101}},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}
