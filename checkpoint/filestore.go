package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/internal/fsutil"
)

// FileStore keeps each backend session's checkpoints in one JSON file
// under baseDir/<backend id>.json.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("checkpoint store directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(backendID string) string {
	return filepath.Join(s.baseDir, fsutil.SanitizeName(backendID)+".json")
}

func (s *FileStore) load(backendID string) ([]Checkpoint, error) {
	data, err := os.ReadFile(s.path(backendID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	var cps []Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoints: %w", err)
	}
	return cps, nil
}

func (s *FileStore) save(backendID string, cps []Checkpoint) error {
	sort.Slice(cps, func(i, j int) bool { return cps[i].PromptIndex < cps[j].PromptIndex })
	data, err := json.MarshalIndent(cps, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoints: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path(backendID), data, 0o644)
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, cp Checkpoint) error {
	if cp.BackendSessionID == "" {
		return fmt.Errorf("backend session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, err := s.load(cp.BackendSessionID)
	if err != nil {
		return err
	}
	for _, existing := range cps {
		if existing.PromptIndex == cp.PromptIndex {
			return fmt.Errorf("%w: %s/%d", ErrDuplicate, cp.BackendSessionID, cp.PromptIndex)
		}
	}
	return s.save(cp.BackendSessionID, append(cps, cp))
}

// MarkCompleted implements Store.
func (s *FileStore) MarkCompleted(_ context.Context, backendID string, index int, at time.Time, status agentstream.CompletionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, err := s.load(backendID)
	if err != nil {
		return err
	}
	for i := range cps {
		if cps[i].PromptIndex == index {
			cps[i].CompletedAt = &at
			cps[i].Status = status
			return s.save(backendID, cps)
		}
	}
	return fmt.Errorf("%w: %s/%d", ErrNotFound, backendID, index)
}

// List implements Store.
func (s *FileStore) List(_ context.Context, backendID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps, err := s.load(backendID)
	if err != nil {
		return nil, err
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].PromptIndex < cps[j].PromptIndex })
	return cps, nil
}

// NextPromptIndex implements Store.
func (s *FileStore) NextPromptIndex(_ context.Context, backendID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps, err := s.load(backendID)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, cp := range cps {
		if cp.PromptIndex >= next {
			next = cp.PromptIndex + 1
		}
	}
	return next, nil
}
