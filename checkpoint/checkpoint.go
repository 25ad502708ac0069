// Package checkpoint records a durable boundary for every prompt of a
// session: when it was sent, where it starts in the transcript, the state
// of the working tree before it ran, and when it completed. A separate
// rewind feature reads these records to restore earlier states.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// Sentinel errors.
var (
	ErrNotFound  = errors.New("checkpoint not found")
	ErrDuplicate = errors.New("checkpoint already recorded")
	ErrClosed    = errors.New("recorder is closed")
	ErrNoBackend = errors.New("backend session id was never reported")
)

// Checkpoint is one prompt boundary.
type Checkpoint struct {
	SentAt      time.Time  `json:"sent_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// BackendSessionID and PromptIndex form the key.
	BackendSessionID string `json:"backend_session_id"`
	Engine           string `json:"engine,omitempty"`
	Prompt           string `json:"prompt"`
	// FileSnapshotRef is the git commit holding the working tree as it was
	// before the prompt ran. Empty for engines that do not edit files or
	// when the snapshot failed.
	FileSnapshotRef string                       `json:"file_snapshot_ref,omitempty"`
	SnapshotError   string                       `json:"snapshot_error,omitempty"`
	Status          agentstream.CompletionStatus `json:"status,omitempty"`
	PromptIndex     int                          `json:"prompt_index"`
	// ConversationMarker is the transcript sequence number the prompt
	// starts at.
	ConversationMarker int64 `json:"conversation_marker"`
	// Unmatched means no transcript event matched the prompt text and the
	// marker fell back to the first event of the run.
	Unmatched bool `json:"unmatched,omitempty"`
}

// Completed reports whether the prompt finished.
func (c Checkpoint) Completed() bool { return c.CompletedAt != nil }

// Store is the append-only checkpoint log keyed by
// (BackendSessionID, PromptIndex).
type Store interface {
	// Append records cp, failing with ErrDuplicate if the key exists.
	Append(ctx context.Context, cp Checkpoint) error
	// MarkCompleted sets CompletedAt and Status of an appended checkpoint.
	MarkCompleted(ctx context.Context, backendID string, index int, at time.Time, status agentstream.CompletionStatus) error
	// List returns a session's checkpoints ordered by index.
	List(ctx context.Context, backendID string) ([]Checkpoint, error)
	// NextPromptIndex returns one past the highest recorded index.
	NextPromptIndex(ctx context.Context, backendID string) (int, error)
}

// RecordingError reports a checkpoint that could not be persisted. It is
// logged and degrades rewind for the prompt; it never stops the run.
type RecordingError struct {
	Cause            error
	Op               string
	BackendSessionID string
	PromptIndex      int
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("checkpoint %s (session %q, prompt %d): %v", e.Op, e.BackendSessionID, e.PromptIndex, e.Cause)
}

func (e *RecordingError) Unwrap() error { return e.Cause }

// UnmatchedCheckpointWarning describes a checkpoint whose marker fell back
// to the first event of the run. It is a log attribute, not an error.
type UnmatchedCheckpointWarning struct {
	BackendSessionID string
	Reason           string
	PromptIndex      int
	Anchor           int64
}

// LogValue implements slog.LogValuer.
func (w UnmatchedCheckpointWarning) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("backend_session_id", w.BackendSessionID),
		slog.Int("prompt_index", w.PromptIndex),
		slog.Int64("anchor", w.Anchor),
		slog.String("reason", w.Reason),
	)
}
