package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bazelment/yoloswe/rewind/internal/fsutil"
)

// FileStore keeps each backend session's change records in one JSON file
// under baseDir/<backend id>.json.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("file change store directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(backendID string) string {
	return filepath.Join(s.baseDir, fsutil.SanitizeName(backendID)+".json")
}

func (s *FileStore) load(backendID string) ([]Record, error) {
	data, err := os.ReadFile(s.path(backendID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file changes: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file changes: %w", err)
	}
	return recs, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	if rec.BackendSessionID == "" {
		return fmt.Errorf("backend session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(rec.BackendSessionID)
	if err != nil {
		return err
	}
	for _, existing := range recs {
		if existing.ToolInvocationID == rec.ToolInvocationID {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, rec.BackendSessionID, rec.ToolInvocationID)
		}
	}
	data, err := json.MarshalIndent(append(recs, rec), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file changes: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path(rec.BackendSessionID), data, 0o644)
}

// List implements Store.
func (s *FileStore) List(_ context.Context, backendID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(backendID)
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, backendID, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(backendID)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, backendID, id)
}
