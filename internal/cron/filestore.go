package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileVersion is the cron_jobs.json schema version.
const FileVersion = 1

type fileFormat struct {
	Version int       `json:"version"`
	Jobs    []*Record `json:"jobs"`
}

// FileStore persists jobs as {version, jobs} JSON, written atomically
// via temp file + rename. This is the default store under the state dir.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the job file. A missing file yields no jobs and no error.
func (f *FileStore) Load() ([]*Record, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse cron jobs: %w", err)
	}
	return ff.Jobs, nil
}

// Save replaces the job file with the given set.
func (f *FileStore) Save(jobs []*Record) error {
	if jobs == nil {
		jobs = []*Record{}
	}
	data, err := json.MarshalIndent(fileFormat{Version: FileVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write cron jobs: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync cron jobs: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cron jobs: %w", err)
	}
	return nil
}

var _ JobStore = (*FileStore)(nil)
