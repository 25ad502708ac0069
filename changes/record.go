// Package changes keeps an auditable before/after record of every file a
// tool-capable engine mutates during a prompt.
//
// File contents are read from disk when a tool starts and when it reports
// its result. Those reads are best-effort snapshots, not transactions: an
// editor or build writing the same file inside that window is recorded as
// part of the change.
package changes

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	udiff "github.com/aymanbagabas/go-udiff"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// Sentinel errors.
var (
	ErrNotFound  = errors.New("file change not found")
	ErrDuplicate = errors.New("file change already recorded")
)

// Source says what produced a change.
type Source string

const (
	SourceTool    Source = "tool"
	SourceCommand Source = "command"
)

// Record is one file mutation attributed to one prompt.
type Record struct {
	CreatedAt  time.Time `json:"created_at"`
	OldContent *string   `json:"old_content"`
	// NewContent is nil for deletions.
	NewContent       *string              `json:"new_content"`
	ID               string               `json:"id"`
	BackendSessionID string               `json:"backend_session_id"`
	FilePath         string               `json:"file_path"`
	ToolInvocationID string               `json:"tool_invocation_id"`
	ToolName         string               `json:"tool_name,omitempty"`
	Source           Source               `json:"source"`
	UnifiedDiff      string               `json:"unified_diff,omitempty"`
	ChangeType       agentstream.ChangeOp `json:"change_type"`
	PromptIndex      int                  `json:"prompt_index"`
	LinesAdded       int                  `json:"lines_added"`
	LinesRemoved     int                  `json:"lines_removed"`
}

// Store persists records of one or more sessions.
type Store interface {
	// Save fails with ErrDuplicate if the session already has a record
	// for rec.ToolInvocationID.
	Save(ctx context.Context, rec Record) error
	// List returns a session's records in creation order.
	List(ctx context.Context, backendID string) ([]Record, error)
	Get(ctx context.Context, backendID, id string) (Record, error)
}

// Diff renders a unified diff of one file and counts changed lines.
// Missing content on either side diffs against /dev/null.
func Diff(path string, oldContent, newContent *string) (diff string, added, removed int) {
	oldLabel, newLabel := "a/"+path, "b/"+path
	var before, after string
	if oldContent == nil {
		oldLabel = "/dev/null"
	} else {
		before = *oldContent
	}
	if newContent == nil {
		newLabel = "/dev/null"
	} else {
		after = *newContent
	}
	if before == after {
		return "", 0, 0
	}
	edits, ok := lineDiff(before, after)
	if !ok {
		edits = udiff.Strings(before, after)
	}
	u, err := udiff.ToUnifiedDiff(oldLabel, newLabel, before, edits, udiff.DefaultContextLines)
	if err != nil {
		return udiff.Unified(oldLabel, newLabel, before, after), 0, 0
	}
	for _, h := range u.Hunks {
		for _, l := range h.Lines {
			switch l.Kind {
			case udiff.Insert:
				added++
			case udiff.Delete:
				removed++
			}
		}
	}
	return u.String(), added, removed
}

// lineDiff computes edits that replace whole lines. Each distinct line is
// encoded as one rune so the character diff of the encodings is a minimal
// line diff. It reports false when there are more distinct lines than
// runes to encode them.
func lineDiff(before, after string) ([]udiff.Edit, bool) {
	ids := make(map[string]rune)
	var texts []string
	encode := func(lines []string) (string, []int, bool) {
		var b strings.Builder
		offs := make([]int, 0, len(lines)+1)
		for _, l := range lines {
			r, ok := ids[l]
			if !ok {
				r = rune(len(texts) + 1)
				if r >= 0xD800 {
					r += 0x800
				}
				if r > utf8.MaxRune {
					return "", nil, false
				}
				ids[l] = r
				texts = append(texts, l)
			}
			offs = append(offs, b.Len())
			b.WriteRune(r)
		}
		offs = append(offs, b.Len())
		return b.String(), offs, true
	}
	oldLines, newLines := splitLines(before), splitLines(after)
	encOld, runeOffs, ok := encode(oldLines)
	if !ok {
		return nil, false
	}
	encNew, _, ok := encode(newLines)
	if !ok {
		return nil, false
	}

	lineOffs := make([]int, 0, len(oldLines)+1)
	n := 0
	for _, l := range oldLines {
		lineOffs = append(lineOffs, n)
		n += len(l)
	}
	lineOffs = append(lineOffs, n)
	lineAt := func(off int) int {
		i, _ := slices.BinarySearch(runeOffs, off)
		return i
	}

	var edits []udiff.Edit
	for _, e := range udiff.Strings(encOld, encNew) {
		var repl strings.Builder
		for _, r := range e.New {
			repl.WriteString(texts[lineID(r)])
		}
		edits = append(edits, udiff.Edit{
			Start: lineOffs[lineAt(e.Start)],
			End:   lineOffs[lineAt(e.End)],
			New:   repl.String(),
		})
	}
	return edits, true
}

func lineID(r rune) int {
	if r >= 0xD800+0x800 {
		r -= 0x800
	}
	return int(r) - 1
}

// splitLines splits s after each newline; a final line without one is kept.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// NormalizePath returns path relative to projectDir with forward slashes
// when it lies inside the project, and the cleaned absolute path
// otherwise.
func NormalizePath(projectDir, path string) string {
	if path == "" {
		return ""
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(projectDir, abs)
	}
	abs = filepath.Clean(abs)
	if projectDir == "" {
		return filepath.ToSlash(abs)
	}
	if rel, ok := within(projectDir, abs); ok {
		return rel
	}
	// Engines sometimes report resolved paths (/private/var vs /var).
	if real, err := filepath.EvalSymlinks(projectDir); err == nil {
		if rel, ok := within(real, abs); ok {
			return rel
		}
	}
	return filepath.ToSlash(abs)
}

func within(dir, abs string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(dir), abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// absPath resolves a tool-reported path against the project.
func absPath(projectDir, path string) string {
	if filepath.IsAbs(path) || projectDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(projectDir, path)
}
