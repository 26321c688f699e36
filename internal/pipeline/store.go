package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/tester"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store keeps run records and their artifacts on disk:
//
//	<base>/<run-id>/run.json
//	<base>/<run-id>/attempts/attempt-<n>.json
//	<base>/<run-id>/files/<bundle path>
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.scrapi/runs, creating the directory if
// needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".scrapi", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

// FilesDir returns where a run's final bundle is written.
func (s *Store) FilesDir(id string) string {
	return filepath.Join(s.runDir(id), "files")
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// SaveRun writes run, stamping UpdatedAt (and CreatedAt on first save).
func (s *Store) SaveRun(run *Run) error {
	if err := validID(run.ID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if run.CreatedAt == "" {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if err := saveRecord(s.runPath(run.ID), run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun reads a run record.
func (s *Store) GetRun(id string) (*Run, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var run Run
	if err := loadRecord(s.runPath(id), &run); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return &run, nil
}

// Update performs a read-modify-write of a run record.
func (s *Store) Update(id string, fn func(*Run)) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	fn(run)
	return s.SaveRun(run)
}

// SaveAttempt writes the outcome of test attempt n (1-based).
func (s *Store) SaveAttempt(id string, n int, outcome *tester.Outcome) error {
	if err := validID(id); err != nil {
		return err
	}
	path := filepath.Join(s.runDir(id), "attempts", fmt.Sprintf("attempt-%d.json", n))
	return saveRecord(path, outcome)
}

// GetAttempt reads the outcome of test attempt n.
func (s *Store) GetAttempt(id string, n int) (*tester.Outcome, error) {
	var o tester.Outcome
	path := filepath.Join(s.runDir(id), "attempts", fmt.Sprintf("attempt-%d.json", n))
	if err := loadRecord(path, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveFiles writes a bundle under the run's files directory and returns
// that directory.
func (s *Store) SaveFiles(id string, set []files.VirtualFile) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	root := s.FilesDir(id)
	for _, f := range set {
		path := filepath.Join(root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(path, filepath.Clean(root)+string(filepath.Separator)) {
			return "", fmt.Errorf("file %q escapes the run directory", f.Name)
		}
		if err := replaceFile(path, []byte(f.Content), bundlePerm); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return root, nil
}

// List returns runs newest first, optionally filtered by state. Pass "" to
// return every run.
func (s *Store) List(state State) ([]Run, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.GetRun(entry.Name())
		if err != nil {
			continue
		}
		if state == "" || run.State == state {
			runs = append(runs, *run)
		}
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt > runs[j].CreatedAt
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// FailInterrupted marks every run still in a non-terminal state as FAILED
// with reason and returns their ids. Call it only while no run is in
// progress, e.g. when a server starts.
func (s *Store) FailInterrupted(reason string) ([]string, error) {
	runs, err := s.List("")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, run := range runs {
		if run.State.Terminal() {
			continue
		}
		err := s.Update(run.ID, func(r *Run) {
			r.State = StateFailed
			r.Error = reason
			r.History = append(r.History, Transition{State: StateFailed, At: time.Now().UTC().Format(time.RFC3339)})
		})
		if err != nil {
			return ids, fmt.Errorf("fail run %s: %w", run.ID, err)
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}
