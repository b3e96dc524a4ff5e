// Package logstore persists the final log of each completed job, one file per
// job id. Artifacts outlive the jobs they belong to.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var slog = logrus.WithField("component", "logstore.Store")

// Store writes and reads job log artifacts under a directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if needed. It fails if the
// path exists but is not a directory.
func New(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("inspecting log directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s exists but is not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

// Path returns the artifact path for a job id.
func (s *Store) Path(jobID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("job-%d.log", jobID))
}

// Write persists the log for a job. Each job is written exactly once, on its
// transition to Complete.
func (s *Store) Write(jobID int, log string) error {
	p := s.Path(jobID)
	if err := os.WriteFile(p, []byte(log), 0o644); err != nil {
		return fmt.Errorf("writing log for job %d: %w", jobID, err)
	}
	slog.WithField("job", jobID).Infof("wrote log to %s", p)
	return nil
}

// Read returns the stored log for a job, and whether an artifact exists.
func (s *Store) Read(jobID int) (string, bool, error) {
	data, err := os.ReadFile(s.Path(jobID))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading log for job %d: %w", jobID, err)
	}
	return string(data), true, nil
}
