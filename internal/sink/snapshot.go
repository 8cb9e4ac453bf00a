package sink

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/underpass.report/internal/fsutil"
	"github.com/banshee-data/underpass.report/internal/report"
)

// SerializationError reports a snapshot that could not be encoded or
// written. The next report retries.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// SnapshotStore keeps the most recent report in a single JSON file that
// dashboards poll. Every write replaces the whole document.
type SnapshotStore struct {
	fs   fsutil.FileSystem
	path string
}

func NewSnapshotStore(fs fsutil.FileSystem, path string) *SnapshotStore {
	return &SnapshotStore{fs: fs, path: path}
}

func (s *SnapshotStore) Path() string { return s.path }

// Write replaces the snapshot with r.
func (s *SnapshotStore) Write(r report.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &SerializationError{Path: s.path, Err: err}
	}
	if err := fsutil.ReplaceFile(s.fs, s.path, append(data, '\n'), 0o644); err != nil {
		return &SerializationError{Path: s.path, Err: err}
	}
	return nil
}

// Read returns the report currently in the snapshot file.
func (s *SnapshotStore) Read() (report.Report, error) {
	var r report.Report
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, &SerializationError{Path: s.path, Err: err}
	}
	return r, nil
}
