package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/internal/sqlitedb"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	backend_session_id  TEXT    NOT NULL,
	prompt_index        INTEGER NOT NULL,
	engine              TEXT    NOT NULL DEFAULT '',
	prompt              TEXT    NOT NULL,
	sent_at             INTEGER NOT NULL,
	completed_at        INTEGER,
	status              TEXT    NOT NULL DEFAULT '',
	conversation_marker INTEGER NOT NULL,
	file_snapshot_ref   TEXT    NOT NULL DEFAULT '',
	snapshot_error      TEXT    NOT NULL DEFAULT '',
	unmatched           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_session_id, prompt_index)
)`

// SQLiteStore keeps checkpoints in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the checkpoints table in db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(db, checkpointSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens the database at path and returns a store on it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, cp Checkpoint) error {
	var completed sql.NullInt64
	if cp.CompletedAt != nil {
		completed = sql.NullInt64{Int64: cp.CompletedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints
		(backend_session_id, prompt_index, engine, prompt, sent_at, completed_at, status,
		 conversation_marker, file_snapshot_ref, snapshot_error, unmatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.BackendSessionID, cp.PromptIndex, cp.Engine, cp.Prompt, cp.SentAt.UnixNano(), completed,
		string(cp.Status), cp.ConversationMarker, cp.FileSnapshotRef, cp.SnapshotError, cp.Unmatched)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%d", ErrDuplicate, cp.BackendSessionID, cp.PromptIndex)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// MarkCompleted implements Store.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, backendID string, index int, at time.Time, status agentstream.CompletionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET completed_at = ?, status = ? WHERE backend_session_id = ? AND prompt_index = ?`,
		at.UnixNano(), string(status), backendID, index)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, backendID, index)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, backendID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT backend_session_id, prompt_index, engine, prompt, sent_at,
		completed_at, status, conversation_marker, file_snapshot_ref, snapshot_error, unmatched
		FROM checkpoints WHERE backend_session_id = ? ORDER BY prompt_index`, backendID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var (
			cp        Checkpoint
			sentAt    int64
			completed sql.NullInt64
			status    string
		)
		if err := rows.Scan(&cp.BackendSessionID, &cp.PromptIndex, &cp.Engine, &cp.Prompt, &sentAt,
			&completed, &status, &cp.ConversationMarker, &cp.FileSnapshotRef, &cp.SnapshotError, &cp.Unmatched); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.SentAt = time.Unix(0, sentAt)
		if completed.Valid {
			t := time.Unix(0, completed.Int64)
			cp.CompletedAt = &t
		}
		cp.Status = agentstream.CompletionStatus(status)
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return cps, nil
}

// NextPromptIndex implements Store.
func (s *SQLiteStore) NextPromptIndex(ctx context.Context, backendID string) (int, error) {
	var maxIndex sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(prompt_index) FROM checkpoints WHERE backend_session_id = ?`, backendID).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("query prompt index: %w", err)
	}
	if !maxIndex.Valid {
		return 0, nil
	}
	return int(maxIndex.Int64) + 1, nil
}
