package changes

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

func ptr(s string) *string { return &s }

func TestDiff(t *testing.T) {
	t.Parallel()

	diff, added, removed := Diff("file.txt", nil, ptr("hello\n"))
	assert.Contains(t, diff, "--- /dev/null")
	assert.Contains(t, diff, "+++ b/file.txt")
	assert.Contains(t, diff, "+hello")
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, removed)

	diff, added, removed = Diff("f.go", ptr("a\nb\nc\n"), ptr("a\nB\nc\nd\n"))
	assert.Contains(t, diff, "--- a/f.go")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+B")
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)

	diff, added, removed = Diff("gone.txt", ptr("x\ny\n"), nil)
	assert.Contains(t, diff, "+++ /dev/null")
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, removed)

	diff, added, removed = Diff("same.txt", ptr("x"), ptr("x"))
	assert.Empty(t, diff)
	assert.Zero(t, added+removed)
}

func TestDiff_CountsMarkerLikeContent(t *testing.T) {
	t.Parallel()

	diff, added, removed := Diff("post.md", ptr("---\ntitle: x\n---\nbody\n"), ptr("body\n"))
	assert.Equal(t, 0, added)
	assert.Equal(t, 3, removed)
	assert.Contains(t, diff, "----\n")
	assert.Contains(t, diff, " body\n")

	diff, added, removed = Diff("notes.txt", ptr("keep\n"), ptr("keep\n-- sig\n++i;\n+++ x\n"))
	assert.Equal(t, 3, added)
	assert.Equal(t, 0, removed)
	assert.Contains(t, diff, "+-- sig\n")
	assert.Contains(t, diff, "++++ x\n")
}

func TestDiff_CountsOnlyChangedLines(t *testing.T) {
	t.Parallel()
	var before, after strings.Builder
	for i := range 50 {
		line := strings.Repeat("x", i%7) + "\n"
		before.WriteString(line)
		if i == 25 {
			line = "changed\n"
		}
		after.WriteString(line)
	}

	diff, added, removed := Diff("big.txt", ptr(before.String()), ptr(after.String()))
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Contains(t, diff, "+changed\n")

	_, added, removed = Diff("tail.txt", ptr("a\nb"), ptr("a\nb\nc\n"))
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	project := filepath.Join(string(filepath.Separator), "work", "proj")

	assert.Equal(t, "src/main.go", NormalizePath(project, filepath.Join(project, "src", "main.go")))
	assert.Equal(t, "src/main.go", NormalizePath(project, "src/main.go"))
	assert.Equal(t, "main.go", NormalizePath(project, "./src/../main.go"))
	assert.Equal(t, "/etc/hosts", NormalizePath(project, "/etc/hosts"))
	assert.Equal(t, "/work/proj-other/x", NormalizePath(project, "/work/proj-other/x"))
	assert.Equal(t, "", NormalizePath(project, ""))
}

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	first := Record{
		ID: "c1", BackendSessionID: "S1", PromptIndex: 0, ToolInvocationID: "t1", ToolName: "Write",
		Source: SourceTool, FilePath: "file.txt", ChangeType: agentstream.ChangeCreate,
		NewContent: ptr("hello"), CreatedAt: at, LinesAdded: 1,
	}
	second := Record{
		ID: "c2", BackendSessionID: "S1", PromptIndex: 1, ToolInvocationID: "t2",
		Source: SourceTool, FilePath: "file.txt", ChangeType: agentstream.ChangeDelete,
		OldContent: ptr("hello"), CreatedAt: at.Add(time.Second), LinesRemoved: 1,
	}
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, Record{ID: "c3", BackendSessionID: "S2", ToolInvocationID: "t1", FilePath: "x", ChangeType: agentstream.ChangeUpdate}))

	err := s.Save(ctx, Record{ID: "c4", BackendSessionID: "S1", ToolInvocationID: "t1", FilePath: "file.txt"})
	assert.ErrorIs(t, err, ErrDuplicate)

	recs, err := s.List(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c1", recs[0].ID)
	assert.Nil(t, recs[0].OldContent)
	require.NotNil(t, recs[0].NewContent)
	assert.Equal(t, "hello", *recs[0].NewContent)
	assert.Equal(t, agentstream.ChangeCreate, recs[0].ChangeType)
	assert.Equal(t, "Write", recs[0].ToolName)
	assert.True(t, recs[0].CreatedAt.Equal(at))
	assert.Equal(t, "c2", recs[1].ID)
	assert.Nil(t, recs[1].NewContent)
	assert.Equal(t, 1, recs[1].PromptIndex)

	got, err := s.Get(ctx, "S1", "c2")
	require.NoError(t, err)
	assert.Equal(t, agentstream.ChangeDelete, got.ChangeType)
	assert.Equal(t, 1, got.LinesRemoved)

	_, err = s.Get(ctx, "S1", "c3")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "changes"))
	require.NoError(t, err)
	testStoreContract(t, s)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	testStoreContract(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rewind.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), Record{ID: "c1", BackendSessionID: "S1", ToolInvocationID: "t1", FilePath: "a", ChangeType: agentstream.ChangeCreate, NewContent: ptr("")}))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.List(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].NewContent)
	assert.Equal(t, "", *recs[0].NewContent)
}

func TestExportPatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	diff, added, _ := Diff("a.txt", nil, ptr("one\n"))
	require.NoError(t, s.Save(ctx, Record{ID: "c1", BackendSessionID: "S1", ToolInvocationID: "t1", FilePath: "a.txt",
		ChangeType: agentstream.ChangeCreate, NewContent: ptr("one\n"), UnifiedDiff: diff, LinesAdded: added}))
	// No stored diff; export renders one.
	require.NoError(t, s.Save(ctx, Record{ID: "c2", BackendSessionID: "S1", ToolInvocationID: "t2", FilePath: "a.txt",
		ChangeType: agentstream.ChangeUpdate, OldContent: ptr("one\n"), NewContent: ptr("two\n")}))

	patch, err := ExportPatch(ctx, s, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(patch, "diff --git a/a.txt b/a.txt\n"))
	assert.Contains(t, patch, "+one")
	assert.Contains(t, patch, "-one")
	assert.Contains(t, patch, "+two")

	one, err := ExportChange(ctx, s, "S1", "c2")
	require.NoError(t, err)
	assert.Contains(t, one, "+two")
	assert.NotContains(t, one, "/dev/null")

	_, err = ExportChange(ctx, s, "S1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
