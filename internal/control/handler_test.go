package control

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, types.DetectionEvent{Type: "crack", Severity: types.SeverityCritical, Confidence: 0.95})
	require.NoError(t, err)

	paused := false
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnGetStatus:    func() map[string]any { return map[string]any{"paused": paused} },
		OnGetStats:     s.Stats,
		OnUpdateStatus: s.UpdateStatus,
		OnPause:        func() error { paused = true; return nil },
		OnResume:       func() error { paused = false; return nil },
	})
	return h, s
}

func command(t *testing.T, payload string) Command {
	t.Helper()
	cmd, err := ParseCommand([]byte(payload))
	require.NoError(t, err)
	return cmd
}

func TestUpdateStatusCommand(t *testing.T) {
	h, s := newTestHandler(t)

	resp := h.handleCommand(context.Background(),
		command(t, `{"command":"update_status","params":{"id":1,"status":"Resolved"}}`))

	require.Equal(t, "success", resp.Status, resp.Error)
	assert.Equal(t, "update_status", resp.CommandAck)
	assert.Equal(t, "Resolved", resp.Data["status"])

	ev, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, ev.Status)
}

func TestUpdateStatusCommandErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := map[string]string{
		"unknown id":     `{"command":"update_status","params":{"id":99,"status":"Resolved"}}`,
		"bad status":     `{"command":"update_status","params":{"id":1,"status":"Done"}}`,
		"missing id":     `{"command":"update_status","params":{"status":"Resolved"}}`,
		"fractional id":  `{"command":"update_status","params":{"id":1.5,"status":"Resolved"}}`,
		"missing status": `{"command":"update_status","params":{"id":1}}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			resp := h.handleCommand(context.Background(), command(t, payload))
			assert.Equal(t, "error", resp.Status)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestUpdateStatusNotDurableIsWarning(t *testing.T) {
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnUpdateStatus: func(ctx context.Context, id int64, st types.Status) (types.DetectionEvent, error) {
			return types.DetectionEvent{ID: id, Status: st},
				fmt.Errorf("%w: %w", store.ErrNotDurable, errors.New("disk full"))
		},
	})

	resp := h.handleCommand(context.Background(),
		command(t, `{"command":"update_status","params":{"id":3,"status":"Acknowledged"}}`))
	assert.Equal(t, "success", resp.Status)
	assert.Contains(t, resp.Data["warning"], "disk full")
}

func TestGetStatsCommand(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.handleCommand(context.Background(), command(t, `{"command":"get_stats"}`))
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, 1, resp.Data["totalDetections"])
	assert.Equal(t, 1, resp.Data["criticalOpen"])
}

func TestPauseResume(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	resp := h.handleCommand(ctx, command(t, `{"command":"pause_detection"}`))
	assert.Equal(t, "paused", resp.Status)
	assert.Equal(t, true, h.handleCommand(ctx, command(t, `{"command":"get_status"}`)).Data["paused"])

	resp = h.handleCommand(ctx, command(t, `{"command":"resume_detection"}`))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, false, h.handleCommand(ctx, command(t, `{"command":"get_status"}`)).Data["paused"])
}

func TestUnknownAndUnimplemented(t *testing.T) {
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{})
	ctx := context.Background()

	for _, name := range []string{"reboot", "get_status", "get_stats", "update_status", "pause_detection"} {
		resp := h.handleCommand(ctx, Command{Command: name})
		assert.Equal(t, "error", resp.Status, name)
	}
}

func TestParseCommandRejectsGarbage(t *testing.T) {
	_, err := ParseCommand([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseCommand([]byte(`{"params":{}}`))
	assert.Error(t, err)
}
