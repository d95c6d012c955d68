// Package persist provides atomic on-disk persistence for the kernel's
// sequencing state and contract-promotion statistics, plus an optional
// SQLite-backed ring-buffer archive (spec §5 "the on-disk message-state
// and promotion-stats files are written atomically (temp + rename)").
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeJSONAtomic marshals v as indented JSON and writes it to path via a
// temp file in the same directory followed by a rename, so readers never
// observe a partially written file.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}

// readJSON unmarshals path's contents into v. It is not an error for path
// to not exist; v is left untouched and ok is false.
func readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("persist: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: decode %s: %w", path, err)
	}
	return true, nil
}
