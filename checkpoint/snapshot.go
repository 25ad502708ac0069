package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bazelment/yoloswe/rewind/internal/gitexec"
)

// ErrNotRepository is returned when the project is not a git work tree.
var ErrNotRepository = errors.New("project is not a git repository")

// DefaultRefPrefix is where snapshots are pinned.
const DefaultRefPrefix = "refs/rewind"

// Snapshotter captures the working tree before a prompt runs.
type Snapshotter interface {
	// Snapshot returns an opaque reference to the current working tree.
	Snapshot(ctx context.Context, dir string) (string, error)
	// Pin protects ref from garbage collection under name.
	Pin(ctx context.Context, dir, ref, name string) error
}

// GitSnapshotter records the working tree, untracked files included and
// ignored files excluded, as a commit built from a temporary index. HEAD,
// the real index and the work tree are left untouched.
type GitSnapshotter struct {
	Runner    gitexec.Runner
	RefPrefix string
}

// NewGitSnapshotter returns a snapshotter using the git binary.
func NewGitSnapshotter() *GitSnapshotter {
	return &GitSnapshotter{Runner: gitexec.ExecRunner{}, RefPrefix: DefaultRefPrefix}
}

// snapshotIdentity keeps commit-tree working in repositories without a
// configured user.
var snapshotIdentity = []string{
	"GIT_AUTHOR_NAME=rewind",
	"GIT_AUTHOR_EMAIL=rewind@localhost",
	"GIT_COMMITTER_NAME=rewind",
	"GIT_COMMITTER_EMAIL=rewind@localhost",
}

// Snapshot implements Snapshotter.
func (g *GitSnapshotter) Snapshot(ctx context.Context, dir string) (string, error) {
	res, err := g.Runner.Run(ctx, dir, nil, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRepository, err)
	}
	top := strings.TrimSpace(res.Stdout)

	tmpDir, err := os.MkdirTemp("", "rewind-index-")
	if err != nil {
		return "", fmt.Errorf("create temp index: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(tmpDir, "index")}

	var parent string
	if res, err := g.Runner.Run(ctx, top, nil, "rev-parse", "--verify", "-q", "HEAD"); err == nil {
		parent = strings.TrimSpace(res.Stdout)
		if _, err := g.Runner.Run(ctx, top, env, "read-tree", parent); err != nil {
			return "", err
		}
	}
	if _, err := g.Runner.Run(ctx, top, env, "add", "-A", "--", "."); err != nil {
		return "", err
	}
	res, err = g.Runner.Run(ctx, top, env, "write-tree")
	if err != nil {
		return "", err
	}
	tree := strings.TrimSpace(res.Stdout)

	args := []string{"commit-tree", tree, "-m", "rewind snapshot"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	res, err = g.Runner.Run(ctx, top, append(env, snapshotIdentity...), args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Pin implements Snapshotter.
func (g *GitSnapshotter) Pin(ctx context.Context, dir, ref, name string) error {
	prefix := g.RefPrefix
	if prefix == "" {
		prefix = DefaultRefPrefix
	}
	_, err := g.Runner.Run(ctx, dir, nil, "update-ref", prefix+"/"+name, ref)
	return err
}
