package changes

import (
	"context"
	"fmt"
	"strings"
)

// ExportPatch concatenates the unified diffs of a session's changes in
// the order they were recorded. Changes of one file are not squashed, so
// applying the patch replays every step.
func ExportPatch(ctx context.Context, store Store, backendID string) (string, error) {
	recs, err := store.List(ctx, backendID)
	if err != nil {
		return "", fmt.Errorf("list file changes: %w", err)
	}
	var b strings.Builder
	for _, rec := range recs {
		b.WriteString(patchOf(rec))
	}
	return b.String(), nil
}

// ExportChange returns the unified diff of one change.
func ExportChange(ctx context.Context, store Store, backendID, id string) (string, error) {
	rec, err := store.Get(ctx, backendID, id)
	if err != nil {
		return "", err
	}
	return patchOf(rec), nil
}

func patchOf(rec Record) string {
	diff := rec.UnifiedDiff
	if diff == "" {
		diff, _, _ = Diff(rec.FilePath, rec.OldContent, rec.NewContent)
	}
	if diff == "" {
		return ""
	}
	header := fmt.Sprintf("diff --git a/%s b/%s\n", rec.FilePath, rec.FilePath)
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	return header + diff
}
