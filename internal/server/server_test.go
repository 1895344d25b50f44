package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/broadcast"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/core"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/policy"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/worker"
)

func newService(t *testing.T) *core.Service {
	t.Helper()
	st, err := store.Open(context.Background(), nil)
	require.NoError(t, err)

	engine, err := worker.NewScriptedEngine("person", []float64{0.5})
	require.NoError(t, err)

	svc, err := core.New(core.Options{
		InstanceID:  "test",
		Source:      stream.NewReplaySource(),
		Engine:      engine,
		Encoder:     encoder.New(80, 64*1024),
		Policy:      policy.New(0.7, 2*time.Second),
		Store:       st,
		Broadcaster: broadcast.New(st, 16),
	})
	require.NoError(t, err)
	return svc
}

func appendEvent(t *testing.T, svc *core.Service, confidence float64) types.DetectionEvent {
	t.Helper()
	ev, err := svc.Store().Append(context.Background(), types.DetectionEvent{
		Type:       "person",
		Severity:   types.SeverityFor(confidence),
		Zone:       "Camera-1",
		DetectedAt: time.Now().UTC(),
		Source:     "Webcam-YOLO",
		Confidence: confidence,
	})
	require.NoError(t, err)
	return ev
}

func newTestServer(t *testing.T, svc *core.Service, outputDir string) *httptest.Server {
	t.Helper()
	srv := New(svc, outputDir)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		ts.Close()
	})
	return ts
}

func TestListIncidents(t *testing.T) {
	svc := newService(t)
	ts := newTestServer(t, svc, "")

	resp, err := http.Get(ts.URL + "/api/incidents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body struct {
		Incidents []types.DetectionEvent `json:"incidents"`
		PlaceID   string                 `json:"placeId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "default", body.PlaceID)
	assert.NotNil(t, body.Incidents)
	assert.Empty(t, body.Incidents)

	appendEvent(t, svc, 0.95)
	appendEvent(t, svc, 0.85)

	resp2, err := http.Get(ts.URL + "/api/incidents?place_id=lobby")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "lobby", body.PlaceID)
	require.Len(t, body.Incidents, 2)
	assert.Equal(t, int64(1), body.Incidents[0].ID)
	assert.Equal(t, int64(2), body.Incidents[1].ID)
}

func postStatus(t *testing.T, ts *httptest.Server, id, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/incidents/"+id+"/status", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpdateStatus(t *testing.T) {
	svc := newService(t)
	ts := newTestServer(t, svc, "")
	appendEvent(t, svc, 0.95)

	resp := postStatus(t, ts, "1", `{"status":"Acknowledged"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ev types.DetectionEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	assert.Equal(t, types.StatusAcknowledged, ev.Status)

	got, err := svc.Store().Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAcknowledged, got.Status)

	assert.Equal(t, http.StatusNotFound, postStatus(t, ts, "99", `{"status":"Resolved"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postStatus(t, ts, "1", `{"status":"Closed"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postStatus(t, ts, "abc", `{"status":"Resolved"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postStatus(t, ts, "1", `not json`).StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, newService(t), "")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/incidents/1/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestOperationsEndpoints(t *testing.T) {
	ts := newTestServer(t, newService(t), "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServesEvidence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detection_0_conf0.95.jpg"), []byte("jpeg"), 0o644))
	ts := newTestServer(t, newService(t), dir)

	resp, err := http.Get(ts.URL + "/output/detection_0_conf0.95.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m wsMessage
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebSocketSession(t *testing.T) {
	svc := newService(t)
	appendEvent(t, svc, 0.95)
	ts := newTestServer(t, svc, "")

	conn := dial(t, ts)

	m := read(t, conn)
	assert.Equal(t, broadcast.EventConnectionStatus, m.Event)
	assert.JSONEq(t, `{"status":"connected","message":"Connected to detection server"}`, string(m.Data))

	m = read(t, conn)
	assert.Equal(t, broadcast.EventDetectionStats, m.Event)
	assert.JSONEq(t, `{"totalDetections":1,"criticalOpen":1}`, string(m.Data))

	require.NoError(t, conn.WriteJSON(map[string]string{"event": broadcast.EventRequestHistory}))
	m = read(t, conn)
	require.Equal(t, broadcast.EventDetectionHistory, m.Event)
	var history broadcast.History
	require.NoError(t, json.Unmarshal(m.Data, &history))
	require.Len(t, history.Incidents, 1)
	assert.Equal(t, int64(1), history.Incidents[0].ID)

	ev := appendEvent(t, svc, 0.82)
	svc.Broadcaster().PublishEvent(ev)
	m = read(t, conn)
	require.Equal(t, broadcast.EventNewDetection, m.Event)
	var got types.DetectionEvent
	require.NoError(t, json.Unmarshal(m.Data, &got))
	assert.Equal(t, int64(2), got.ID)

	svc.Broadcaster().PublishFrame("data:image/jpeg;base64,AAAA")
	m = read(t, conn)
	assert.Equal(t, broadcast.EventVideoFrame, m.Event)
	assert.JSONEq(t, `{"frame":"data:image/jpeg;base64,AAAA"}`, string(m.Data))
}

func TestWebSocketUnknownEventGetsError(t *testing.T) {
	ts := newTestServer(t, newService(t), "")
	conn := dial(t, ts)
	read(t, conn)
	read(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"delete_everything"}`)))
	m := read(t, conn)
	assert.Equal(t, broadcast.EventError, m.Event)
	assert.Contains(t, string(m.Data), "malformed request")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))
	m = read(t, conn)
	assert.Equal(t, broadcast.EventError, m.Event)

	// the session survives bad input
	require.NoError(t, conn.WriteJSON(map[string]string{"event": broadcast.EventRequestHistory}))
	assert.Equal(t, broadcast.EventDetectionHistory, read(t, conn).Event)
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	svc := newService(t)
	ts := newTestServer(t, svc, "")

	conn := dial(t, ts)
	read(t, conn)
	require.Eventually(t, func() bool { return svc.Broadcaster().SessionCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return svc.Broadcaster().SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopClosesSessions(t *testing.T) {
	svc := newService(t)
	srv := New(svc, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, 0, svc.Broadcaster().SessionCount())
}

func TestWebSocketRefusedAfterStop(t *testing.T) {
	svc := newService(t)
	srv := New(svc, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, svc.Broadcaster().SessionCount())
}
