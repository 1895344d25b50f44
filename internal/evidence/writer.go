// Package evidence writes the JPEG snapshot attached to each raised event.
package evidence

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

var namePattern = regexp.MustCompile(`^detection_(\d+)_conf\d+\.\d{2}\.jpg$`)

// Writer saves evidence images into a directory and returns the reference
// observers use to fetch them
type Writer struct {
	dir       string
	urlPrefix string

	mu   sync.Mutex
	next int
}

// NewWriter creates dir if needed. Numbering resumes after the highest
// index already present so earlier evidence is never overwritten.
func NewWriter(dir, urlPrefix string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	w := &Writer{dir: dir, urlPrefix: urlPrefix}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= w.next {
			w.next = n + 1
		}
	}

	if w.next > 0 {
		slog.Debug("evidence numbering resumed", "dir", dir, "next", w.next)
	}

	return w, nil
}

// Save writes jpeg as detection_{n}_conf{c}.jpg and returns its reference
func (w *Writer) Save(jpeg []byte, confidence float64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := fmt.Sprintf("detection_%d_conf%.2f.jpg", w.next, confidence)
	target := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".evidence-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jpeg); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}

	w.next++
	return path.Join(w.urlPrefix, name), nil
}

// Dir returns the output directory
func (w *Writer) Dir() string {
	return w.dir
}
