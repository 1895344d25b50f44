// Package control exposes a command interface over MQTT: operators can
// query status and stats and move detections through their lifecycle.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus    func() map[string]any
	OnGetStats     func() types.Stats
	OnUpdateStatus func(ctx context.Context, id int64, status types.Status) (types.DetectionEvent, error)
	OnPause        func() error
	OnResume       func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: err.Error()})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// ParseCommand decodes a command payload
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("missing 'command' field")
	}
	return cmd, nil
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(msg string) Response {
		resp.Status = "error"
		resp.Error = msg
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "get_stats":
		if h.callbacks.OnGetStats == nil {
			return fail("get_stats not implemented")
		}
		st := h.callbacks.OnGetStats()
		resp.Status = "success"
		resp.Data = map[string]any{
			"totalDetections": st.TotalDetections,
			"criticalOpen":    st.CriticalOpen,
		}

	case "update_status":
		if h.callbacks.OnUpdateStatus == nil {
			return fail("update_status not implemented")
		}
		// JSON numbers decode as float64
		rawID, ok := cmd.Params["id"].(float64)
		if !ok || rawID != float64(int64(rawID)) {
			return fail("missing or invalid 'id' parameter (expected integer)")
		}
		rawStatus, ok := cmd.Params["status"].(string)
		if !ok {
			return fail("missing or invalid 'status' parameter (expected Open/Acknowledged/Resolved)")
		}
		status, err := types.ParseStatus(rawStatus)
		if err != nil {
			return fail(err.Error())
		}

		ev, err := h.callbacks.OnUpdateStatus(ctx, int64(rawID), status)
		if err != nil && !errors.Is(err, store.ErrNotDurable) {
			return fail(err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"id":       ev.ID,
			"status":   string(ev.Status),
			"severity": string(ev.Severity),
		}
		if err != nil {
			resp.Data["warning"] = err.Error()
		}

	case "pause_detection":
		if h.callbacks.OnPause == nil {
			return fail("pause not implemented")
		}
		if err := h.callbacks.OnPause(); err != nil {
			return fail(err.Error())
		}
		resp.Status = "paused"
		resp.Data = map[string]any{"detection_active": false}

	case "resume_detection":
		if h.callbacks.OnResume == nil {
			return fail("resume not implemented")
		}
		if err := h.callbacks.OnResume(); err != nil {
			return fail(err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]any{"detection_active": true}

	default:
		return fail(fmt.Sprintf("unknown command %q", cmd.Command))
	}

	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Responses
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
