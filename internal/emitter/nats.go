package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// NATSPublisher publishes raised events as JSON on a subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. The connection keeps retrying in the
// background if the server is not up yet.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}

	slog.Info("connected to nats", "url", url, "subject", subject)

	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Name identifies the publisher in logs
func (p *NATSPublisher) Name() string {
	return "nats"
}

// Notify publishes ev
func (p *NATSPublisher) Notify(ctx context.Context, ev types.DetectionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	slog.Debug("detection published to event bus", "subject", p.subject, "id", ev.ID)
	return nil
}

// IsConnected reports whether the connection is currently up
func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close flushes pending publishes and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.FlushTimeout(time.Second)
		p.conn.Close()
		slog.Info("disconnected from nats")
	}
}
