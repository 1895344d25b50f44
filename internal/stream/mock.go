package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// MockSource generates synthetic rgb24 frames: a gradient background with a
// square that moves one step per frame
type MockSource struct {
	width     int
	height    int
	source    string
	maxFrames uint64 // 0 = unlimited

	mu        sync.Mutex
	seq       uint64
	open      bool
	startTime time.Time
}

// NewMockSource creates a mock source. After maxFrames frames (0 means
// never) Read returns ErrSourceExhausted.
func NewMockSource(width, height int, source string, maxFrames uint64) *MockSource {
	return &MockSource{
		width:     width,
		height:    height,
		source:    source,
		maxFrames: maxFrames,
	}
}

// Open starts the source
func (m *MockSource) Open(ctx context.Context) error {
	if m.width <= 0 || m.height <= 0 {
		return fmt.Errorf("%w: mock size %dx%d", ErrSourceUnavailable, m.width, m.height)
	}

	m.mu.Lock()
	m.open = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock source started",
		"width", m.width,
		"height", m.height,
		"source", m.source,
		"max_frames", m.maxFrames,
	)
	return nil
}

// Read returns the next synthetic frame
func (m *MockSource) Read(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return types.Frame{}, fmt.Errorf("%w: source not open", ErrSourceExhausted)
	}
	if m.maxFrames > 0 && m.seq >= m.maxFrames {
		m.mu.Unlock()
		return types.Frame{}, fmt.Errorf("%w: mock limit of %d frames reached", ErrSourceExhausted, m.maxFrames)
	}
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Format:    types.FormatRGB24,
		Data:      m.render(seq),
		Source:    m.source,
		TraceID:   uuid.New().String(),
	}, nil
}

func (m *MockSource) render(seq uint64) []byte {
	data := make([]byte, m.width*m.height*3)

	side := max(4, min(m.width, m.height)/6)
	span := max(1, m.width-side)
	sx := int(seq*4) % span
	sy := (m.height - side) / 2

	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			i := (y*m.width + x) * 3
			if x >= sx && x < sx+side && y >= sy && y < sy+side {
				data[i], data[i+1], data[i+2] = 0xe0, 0x40, 0x40
				continue
			}
			data[i] = byte(x * 255 / m.width)
			data[i+1] = byte(y * 255 / m.height)
			data[i+2] = 0x60
		}
	}
	return data
}

// Close stops the source. Idempotent.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}
	m.open = false

	slog.Info("mock source stopped",
		"frames_emitted", m.seq,
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Stats returns source counters
func (m *MockSource) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FramesRead: m.seq,
		Width:      m.width,
		Height:     m.height,
		Source:     m.source,
		Open:       m.open,
	}
}
