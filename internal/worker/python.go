package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/encoder"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// PythonConfig configures the detector subprocess
type PythonConfig struct {
	ID string
	// Command is the wrapper that activates the model environment,
	// e.g. models/run_worker.sh
	Command    string
	ModelPath  string
	Confidence float64
	// Timeout bounds one request/response round trip
	Timeout time.Duration
}

// PythonDetector sends frames to a detector process and waits for its
// answer. Round trips are serialized; a timed-out or corrupt exchange
// marks the process broken and it is respawned on the next Infer.
type PythonDetector struct {
	cfg PythonConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	broken bool
	wg     sync.WaitGroup

	inferences    atomic.Uint64
	failures      atomic.Uint64
	restarts      atomic.Uint64
	lastLatencyUS atomic.Int64
}

// NewPythonDetector validates cfg; the process starts in Start
func NewPythonDetector(cfg PythonConfig) (*PythonDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("python detector: command is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("python detector: model path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = "detector"
	}
	return &PythonDetector{cfg: cfg}, nil
}

// newPipeDetector wires a detector to an already-running peer
func newPipeDetector(stdin io.WriteCloser, stdout io.Reader, timeout time.Duration) *PythonDetector {
	return &PythonDetector{
		cfg:    PythonConfig{ID: "pipe", Timeout: timeout},
		stdin:  stdin,
		stdout: stdout,
	}
}

// Start spawns the detector process
func (d *PythonDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawn()
}

// spawn must be called with d.mu held
func (d *PythonDetector) spawn() error {
	args := []string{
		"--model", d.cfg.ModelPath,
		"--confidence", fmt.Sprintf("%.2f", d.cfg.Confidence),
	}
	cmd := exec.Command(d.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.broken = false

	slog.Info("detector process spawned",
		"worker_id", d.cfg.ID,
		"pid", cmd.Process.Pid,
		"model", d.cfg.ModelPath,
	)

	d.wg.Add(2)
	go d.logStderr(stderr)
	go d.waitProcess(cmd)

	return nil
}

// Infer runs one frame through the detector
func (d *PythonDetector) Infer(ctx context.Context, frame types.Frame) (types.InferenceResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.broken || d.stdin == nil {
		if d.cfg.Command == "" {
			d.failures.Add(1)
			return types.InferenceResult{}, fmt.Errorf("%w: detector not running", ErrInference)
		}
		d.terminate()
		d.restarts.Add(1)
		if err := d.spawn(); err != nil {
			d.failures.Add(1)
			return types.InferenceResult{}, fmt.Errorf("%w: respawn: %v", ErrInference, err)
		}
	}

	req := inferRequest{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    string(frame.Format),
		Meta: requestMeta{
			Seq:       frame.Seq,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			Source:    frame.Source,
		},
	}

	start := time.Now()
	resp, err := d.roundTrip(ctx, req)
	if err != nil {
		d.failures.Add(1)
		d.broken = true
		slog.Warn("detector round trip failed, will respawn",
			"worker_id", d.cfg.ID,
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return types.InferenceResult{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	d.lastLatencyUS.Store(time.Since(start).Microseconds())

	if resp.Error != "" {
		d.failures.Add(1)
		return types.InferenceResult{}, fmt.Errorf("%w: detector: %s", ErrInference, resp.Error)
	}
	if resp.Seq != frame.Seq {
		d.failures.Add(1)
		d.broken = true
		return types.InferenceResult{}, fmt.Errorf("%w: response for seq %d, expected %d",
			ErrInference, resp.Seq, frame.Seq)
	}

	d.inferences.Add(1)
	return buildResult(frame, resp), nil
}

func (d *PythonDetector) roundTrip(ctx context.Context, req inferRequest) (inferResponse, error) {
	type outcome struct {
		resp inferResponse
		err  error
	}
	done := make(chan outcome, 1)

	stdin, stdout := d.stdin, d.stdout
	go func() {
		var o outcome
		if o.err = writeMessage(stdin, req); o.err == nil {
			o.err = readMessage(stdout, &o.resp)
		}
		done <- o
	}()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-timer.C:
		return inferResponse{}, fmt.Errorf("no response within %s", d.cfg.Timeout)
	case <-ctx.Done():
		return inferResponse{}, ctx.Err()
	}
}

func buildResult(frame types.Frame, resp inferResponse) types.InferenceResult {
	dets := make([]types.Detection, len(resp.Detections))
	for i, wd := range resp.Detections {
		dets[i] = types.Detection{
			Class:      wd.Class,
			Confidence: wd.Confidence,
			BBox:       types.BBox{X1: wd.BBox[0], Y1: wd.BBox[1], X2: wd.BBox[2], Y2: wd.BBox[3]},
		}
	}

	var annotated types.Frame
	if frame.Format == types.FormatRGB24 && len(resp.Annotated) == frame.Width*frame.Height*3 {
		annotated = frame
		annotated.Data = resp.Annotated
	} else {
		annotated = encoder.Annotate(frame, dets)
	}

	return types.NewInferenceResult(dets, annotated)
}

// logStderr maps the detector's "[LEVEL]" log lines onto slog levels
func (d *PythonDetector) logStderr(stderr io.Reader) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("detector error", "worker_id", d.cfg.ID, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("detector warning", "worker_id", d.cfg.ID, "log", line)
		default:
			slog.Debug("detector log", "worker_id", d.cfg.ID, "log", line)
		}
	}
}

func (d *PythonDetector) waitProcess(cmd *exec.Cmd) {
	defer d.wg.Done()

	if err := cmd.Wait(); err != nil {
		slog.Debug("detector process exited",
			"worker_id", d.cfg.ID,
			"pid", cmd.Process.Pid,
			"error", err,
		)
		return
	}
	slog.Info("detector process exited cleanly",
		"worker_id", d.cfg.ID,
		"pid", cmd.Process.Pid,
	)
}

// terminate must be called with d.mu held
func (d *PythonDetector) terminate() {
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.wg.Wait()
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
}

// Close stops the detector process
func (d *PythonDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.terminate()

	slog.Info("detector stopped",
		"worker_id", d.cfg.ID,
		"inferences", d.inferences.Load(),
		"failures", d.failures.Load(),
		"restarts", d.restarts.Load(),
	)
	return nil
}

// Metrics returns detector counters
func (d *PythonDetector) Metrics() Metrics {
	return Metrics{
		Inferences:    d.inferences.Load(),
		Failures:      d.failures.Load(),
		Restarts:      d.restarts.Load(),
		LastLatencyMS: float64(d.lastLatencyUS.Load()) / 1000,
	}
}
