package prefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"asyncload/internal/file"
)

// JobStore persists job records so finished runs survive a restart.
type JobStore interface {
	SaveJob(ctx context.Context, j *Job) error
	LoadJobs(ctx context.Context) ([]*Job, error)
}

type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) JobStore {
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) statusPath(tag string) string {
	return filepath.Join(s.dataDir, "jobs", tag, "status.json")
}

func (s *fileStore) SaveJob(_ context.Context, j *Job) error {
	if err := file.WriteJSONAtomic(s.statusPath(j.Tag), j); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func (s *fileStore) LoadJobs(_ context.Context) ([]*Job, error) {
	root := filepath.Join(s.dataDir, "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path built from the data dir listing
		if err != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(b, &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
