package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single response; a larger length prefix means the
// stream is corrupt
const maxMessageSize = 64 << 20

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
	Source    string `msgpack:"source"`
}

type inferRequest struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Format    string      `msgpack:"format"`
	Meta      requestMeta `msgpack:"meta"`
}

type wireDetection struct {
	Class      string  `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	BBox       [4]int  `msgpack:"bbox"`
}

type inferResponse struct {
	Seq        uint64          `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	// Annotated is an optional rgb24 render with the request's dimensions
	Annotated []byte  `msgpack:"annotated"`
	LatencyMS float64 `msgpack:"latency_ms"`
	Error     string  `msgpack:"error"`
}

// writeMessage writes v as msgpack preceded by its 4-byte big-endian length
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
