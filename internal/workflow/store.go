package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casarerpa/core/internal/node"
)

// Canonical returns the canonical serialized form of a workflow: UTF-8
// JSON with two-space indentation and map keys in sorted order. Two
// workflows are equal exactly when their canonical forms match.
func (w *Workflow) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("encode workflow %q: %w", w.Metadata.Name, err)
	}
	return buf.Bytes(), nil
}

// Equal compares two workflows by canonical serialized form.
func Equal(a, b *Workflow) bool {
	ca, errA := a.Canonical()
	cb, errB := b.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Save writes the canonical form to path, creating parent directories.
// The write goes through a temp file and rename so a crash mid-write
// never leaves a truncated workflow on disk.
func (w *Workflow) Save(path string) error {
	data, err := w.Canonical()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write workflow %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write workflow %s: %w", path, err)
	}
	return nil
}

// Load reads and fully validates a workflow file. On any error the
// returned workflow is nil; a file never loads partially.
func Load(path string, reg *node.Registry) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Parse(data, reg)
}

// Parse decodes and validates workflow JSON.
func Parse(data []byte, reg *node.Registry) (*Workflow, error) {
	var w Workflow
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if w.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q (want %s)", w.SchemaVersion, SchemaVersion)
	}
	if w.Metadata.Name == "" {
		return nil, fmt.Errorf("workflow has no name")
	}
	if err := w.Validate(reg); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", w.Metadata.Name, err)
	}
	return &w, nil
}
