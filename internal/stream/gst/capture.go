// Package gst captures frames from a V4L2 device or an RTSP/URI source with
// GStreamer and delivers them as rgb24 frames.
//
// The pipeline always ends in videoconvert ! videoscale ! capsfilter(RGB) !
// appsink, with the appsink keeping only the latest buffer.
package gst

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Config selects and sizes the capture source
type Config struct {
	// Kind is "v4l2" or "rtsp"
	Kind string
	// Device is the V4L2 device node, e.g. /dev/video0
	Device string
	// URI is the RTSP (or any uridecodebin-supported) location
	URI    string
	Width  int
	Height int
	Source string
	// ReadTimeout bounds how long Read waits for a frame before the source
	// is considered lost
	ReadTimeout time.Duration
}

// Capture is a GStreamer-backed stream.FrameSource
type Capture struct {
	cfg Config

	pipeline *gst.Pipeline
	sink     *app.Sink

	frames chan types.Frame
	fatal  chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	open   bool

	seq           atomic.Uint64
	framesRead    atomic.Uint64
	framesDropped atomic.Uint64
}

// New creates a capture; the pipeline is built in Open
func New(cfg Config) *Capture {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Capture{
		cfg:    cfg,
		frames: make(chan types.Frame, 2),
		fatal:  make(chan error, 1),
	}
}

// Open builds the pipeline and sets it PLAYING
func (c *Capture) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return fmt.Errorf("%w: capture already open", stream.ErrSourceUnavailable)
	}

	gst.Init(nil)

	if err := c.build(); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrSourceUnavailable, err)
	}

	c.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		_ = c.pipeline.SetState(gst.StateNull)
		return fmt.Errorf("%w: start pipeline: %v", stream.ErrSourceUnavailable, err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.open = true

	c.wg.Add(1)
	go c.monitor(monitorCtx)

	slog.Info("capture started",
		"kind", c.cfg.Kind,
		"device", c.cfg.Device,
		"uri", c.cfg.URI,
		"width", c.cfg.Width,
		"height", c.cfg.Height,
	)
	return nil
}

func (c *Capture) build() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", c.cfg.Width, c.cfg.Height),
	))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	var src *gst.Element
	switch c.cfg.Kind {
	case "v4l2":
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return fmt.Errorf("create v4l2src: %w", err)
		}
		src.SetProperty("device", c.cfg.Device)
	case "rtsp":
		src, err = gst.NewElement("uridecodebin")
		if err != nil {
			return fmt.Errorf("create uridecodebin: %w", err)
		}
		src.SetProperty("uri", c.cfg.URI)
	default:
		return fmt.Errorf("unknown capture kind %q", c.cfg.Kind)
	}

	pipeline.AddMany(src, converter, scaler, capsfilter, sink.Element)

	if err := gst.ElementLinkMany(converter, scaler, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("link pipeline: %w", err)
	}

	if c.cfg.Kind == "rtsp" {
		// uridecodebin exposes its pads once the stream is probed
		src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			sinkPad := converter.GetStaticPad("sink")
			if sinkPad == nil || sinkPad.IsLinked() {
				return
			}
			if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
				slog.Debug("capture: pad not linked", "pad", srcPad.GetName(), "ret", ret)
			}
		})
	} else if err := src.Link(converter); err != nil {
		return fmt.Errorf("link source: %w", err)
	}

	c.pipeline = pipeline
	c.sink = sink
	return nil
}

func (c *Capture) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := types.Frame{
		Seq:       c.seq.Add(1) - 1,
		Timestamp: time.Now(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Format:    types.FormatRGB24,
		Data:      frameData,
		Source:    c.cfg.Source,
		TraceID:   uuid.New().String(),
	}

	select {
	case c.frames <- frame:
	default:
		// replace the stale frame so the reader always gets the newest
		select {
		case <-c.frames:
			c.framesDropped.Add(1)
		default:
		}
		select {
		case c.frames <- frame:
		default:
			c.framesDropped.Add(1)
		}
	}
	return gst.FlowOK
}

// monitor watches the pipeline bus and reports the first EOS or error
func (c *Capture) monitor(ctx context.Context) {
	defer c.wg.Done()

	bus := c.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.report(fmt.Errorf("%w: end of stream", stream.ErrSourceExhausted))
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"frames_read", c.framesRead.Load(),
			)
			c.report(fmt.Errorf("%w: %s", stream.ErrSourceExhausted, gerr.Error()))
			return
		}
	}
}

func (c *Capture) report(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Read waits for the next frame. A pipeline error, end of stream or a
// silent source past ReadTimeout all yield stream.ErrSourceExhausted.
func (c *Capture) Read(ctx context.Context) (types.Frame, error) {
	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		c.framesRead.Add(1)
		return f, nil
	case err := <-c.fatal:
		return types.Frame{}, err
	case <-timer.C:
		return types.Frame{}, fmt.Errorf("%w: no frame for %s", stream.ErrSourceExhausted, c.cfg.ReadTimeout)
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close stops the pipeline. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	c.open = false

	c.cancel()
	c.wg.Wait()

	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}

	slog.Info("capture stopped",
		"frames_read", c.framesRead.Load(),
		"frames_dropped", c.framesDropped.Load(),
	)
	return nil
}

// Stats returns capture counters
func (c *Capture) Stats() stream.Stats {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()

	return stream.Stats{
		FramesRead:    c.framesRead.Load(),
		FramesDropped: c.framesDropped.Load(),
		Width:         c.cfg.Width,
		Height:        c.cfg.Height,
		Source:        c.cfg.Source,
		Open:          open,
	}
}
