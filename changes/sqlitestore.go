package changes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/internal/sqlitedb"
)

const changeSchema = `
CREATE TABLE IF NOT EXISTS file_changes (
	id                 TEXT    PRIMARY KEY,
	seq                INTEGER NOT NULL,
	backend_session_id TEXT    NOT NULL,
	prompt_index       INTEGER NOT NULL,
	tool_invocation_id TEXT    NOT NULL,
	tool_name          TEXT    NOT NULL DEFAULT '',
	source             TEXT    NOT NULL DEFAULT '',
	file_path          TEXT    NOT NULL,
	change_type        TEXT    NOT NULL,
	old_content        TEXT,
	new_content        TEXT,
	unified_diff       TEXT    NOT NULL DEFAULT '',
	lines_added        INTEGER NOT NULL DEFAULT 0,
	lines_removed      INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	UNIQUE (backend_session_id, tool_invocation_id)
)`

const changeIndex = `CREATE INDEX IF NOT EXISTS idx_file_changes_session
	ON file_changes (backend_session_id, seq)`

const changeColumns = `id, backend_session_id, prompt_index, tool_invocation_id, tool_name, source,
	file_path, change_type, old_content, new_content, unified_diff, lines_added, lines_removed, created_at`

// SQLiteStore keeps change records in a SQLite table. It can share a
// database with checkpoint.SQLiteStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the file_changes table in db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(db, changeSchema, changeIndex); err != nil {
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

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.BackendSessionID == "" {
		return fmt.Errorf("backend session id is empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO file_changes (`+changeColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM file_changes WHERE backend_session_id = ?))`,
		rec.ID, rec.BackendSessionID, rec.PromptIndex, rec.ToolInvocationID, rec.ToolName, string(rec.Source),
		rec.FilePath, string(rec.ChangeType), nullString(rec.OldContent), nullString(rec.NewContent),
		rec.UnifiedDiff, rec.LinesAdded, rec.LinesRemoved, rec.CreatedAt.UnixNano(), rec.BackendSessionID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, rec.BackendSessionID, rec.ToolInvocationID)
		}
		return fmt.Errorf("insert file change: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		source     string
		changeType string
		oldContent sql.NullString
		newContent sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&rec.ID, &rec.BackendSessionID, &rec.PromptIndex, &rec.ToolInvocationID, &rec.ToolName,
		&source, &rec.FilePath, &changeType, &oldContent, &newContent, &rec.UnifiedDiff,
		&rec.LinesAdded, &rec.LinesRemoved, &createdAt); err != nil {
		return Record{}, err
	}
	rec.Source = Source(source)
	rec.ChangeType = agentstream.ChangeOp(changeType)
	if oldContent.Valid {
		rec.OldContent = &oldContent.String
	}
	if newContent.Valid {
		rec.NewContent = &newContent.String
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, backendID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+changeColumns+`
		FROM file_changes WHERE backend_session_id = ? ORDER BY seq`, backendID)
	if err != nil {
		return nil, fmt.Errorf("query file changes: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return recs, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, backendID, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+`
		FROM file_changes WHERE backend_session_id = ? AND id = ?`, backendID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, backendID, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan file change: %w", err)
	}
	return rec, nil
}
