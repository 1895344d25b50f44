package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

type recorder struct {
	name  string
	fail  bool
	block chan struct{}

	mu  sync.Mutex
	ids []int64
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(ctx context.Context, ev types.DetectionEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.ID)
	if r.fail {
		return errors.New("broker down")
	}
	return nil
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func TestDispatcherDeliversToAll(t *testing.T) {
	ok := &recorder{name: "ok"}
	bad := &recorder{name: "bad", fail: true}

	d := NewDispatcher(8, ok, bad)
	d.Start(context.Background())

	for id := int64(1); id <= 3; id++ {
		d.Enqueue(types.DetectionEvent{ID: id})
	}
	d.Stop()

	assert.Equal(t, []int64{1, 2, 3}, ok.seen())
	assert.Equal(t, []int64{1, 2, 3}, bad.seen(), "a failing notifier does not stop the others")

	st := d.Stats()
	assert.Equal(t, uint64(3), st.Failed)
	assert.Equal(t, []string{"ok", "bad"}, st.Notifiers)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	slow := &recorder{name: "slow", block: make(chan struct{})}
	d := NewDispatcher(1, slow)
	d.Start(context.Background())

	d.Enqueue(types.DetectionEvent{ID: 1})
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)

	d.Enqueue(types.DetectionEvent{ID: 2}) // queued
	done := make(chan struct{})
	go func() {
		d.Enqueue(types.DetectionEvent{ID: 3}) // dropped, must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked")
	}

	close(slow.block)
	d.Stop()

	assert.Equal(t, []int64{1, 2}, slow.seen())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestDispatcherDrainsAfterCancel(t *testing.T) {
	slow := &recorder{name: "slow", block: make(chan struct{})}
	d := NewDispatcher(4, slow)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Enqueue(types.DetectionEvent{ID: 1})
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	d.Enqueue(types.DetectionEvent{ID: 2})
	d.Enqueue(types.DetectionEvent{ID: 3})

	cancel()
	close(slow.block)
	d.Stop()

	assert.Equal(t, []int64{1, 2, 3}, slow.seen(), "queued events are delivered after cancel")
	assert.Equal(t, uint64(3), d.Stats().Delivered)
}

func TestDispatcherWithoutNotifiers(t *testing.T) {
	d := NewDispatcher(1)
	d.Start(context.Background())
	d.Enqueue(types.DetectionEvent{ID: 1})
	d.Enqueue(types.DetectionEvent{ID: 2})
	d.Stop()
	assert.Zero(t, d.Stats().Dropped)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.InstanceID = "test"
	cfg.MQTT.Topics.Detections = "aarohan/detections/test"
	cfg.MQTT.QoS = map[string]byte{"detections": 1}
	return cfg
}

func TestMQTTTopicPerSeverity(t *testing.T) {
	e := NewMQTTEmitter(testConfig())
	assert.Equal(t, "aarohan/detections/test/critical", e.Topic(types.DetectionEvent{Severity: types.SeverityCritical}))
	assert.Equal(t, "aarohan/detections/test/medium", e.Topic(types.DetectionEvent{Severity: types.SeverityMedium}))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "tcp://localhost:1883", brokerURL("tcp://localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestMQTTNotifyWhileDisconnected(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	err := e.Notify(context.Background(), types.DetectionEvent{ID: 1})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.False(t, e.Stats().Connected)
}

func natsURL() string {
	if u := os.Getenv("AAROHAN_TEST_NATS_URL"); u != "" {
		return u
	}
	return nats.DefaultURL
}

func TestNATSPublish(t *testing.T) {
	sub, err := nats.Connect(natsURL(), nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer sub.Close()

	subject := "aarohan.test." + time.Now().Format("150405.000000")
	s, err := sub.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := NewNATSPublisher(natsURL(), subject)
	require.NoError(t, err)
	defer p.Close()

	want := types.DetectionEvent{ID: 4, Type: "crack", Severity: types.SeverityHigh, Confidence: 0.85}
	require.NoError(t, p.Notify(context.Background(), want))

	msg, err := s.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got types.DetectionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Severity, got.Severity)
}

var (
	_ Notifier = (*MQTTEmitter)(nil)
	_ Notifier = (*NATSPublisher)(nil)
)
