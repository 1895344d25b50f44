package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// JSONFile persists the whole record as an indented JSON array.
// Each flush writes a temp file in the same directory, syncs it and renames
// it over the target, so a failed write leaves the previous file intact.
type JSONFile struct {
	path string
}

// NewJSONFile creates a backend writing to path. The parent directory is
// created on first flush.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the target file
func (j *JSONFile) Path() string {
	return j.path
}

// Load reads the record. A missing file is an empty record.
func (j *JSONFile) Load(ctx context.Context) ([]types.DetectionEvent, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var events []types.DetectionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", j.path, err)
	}
	return events, nil
}

// Persist rewrites the file with all events
func (j *JSONFile) Persist(ctx context.Context, all []types.DetectionEvent, _ []types.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if all == nil {
		all = []types.DetectionEvent{}
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}

	return writeFileAtomic(j.path, data)
}

// Close is a no-op; the file is not held open between flushes
func (j *JSONFile) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
