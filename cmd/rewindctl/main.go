// Command rewindctl runs prompts against coding engines while recording
// checkpoints and file changes, and inspects what was recorded.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/rewind/changes"
	"github.com/bazelment/yoloswe/rewind/checkpoint"
	"github.com/bazelment/yoloswe/rewind/config"
	"github.com/bazelment/yoloswe/rewind/internal/sqlitedb"
	"github.com/bazelment/yoloswe/rewind/logging"
)

var (
	projectDir string
	verbosity  int
	jsonLogs   bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "rewindctl",
	Short: "Run coding engine prompts with rewind checkpoints",
	Long: `rewindctl drives Claude, Codex and Gemini CLI sessions. Every prompt
gets a checkpoint (conversation position plus a git snapshot of the
working tree) and every file the engine edits is recorded with its
before and after content.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v debug, -vv trace)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Write output as JSON lines even on a terminal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// workspace is what every subcommand needs: the project, its config and
// a logger.
type workspace struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func()
	dir      string
}

func openWorkspace() (*workspace, error) {
	dir := projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadProject(dir)
	if err != nil {
		return nil, err
	}

	ws := &workspace{cfg: cfg, dir: dir, closeLog: func() {}}
	var w io.Writer = os.Stderr
	if f, err := logging.OpenFile(cfg.LogDir()); err == nil {
		w = io.MultiWriter(os.Stderr, f)
		ws.closeLog = func() { f.Close() }
	}
	ws.logger = logging.New(w, verbosity, jsonLogs)
	slog.SetDefault(ws.logger)
	return ws, nil
}

// stores are the checkpoint and file change stores of a workspace.
type stores struct {
	checkpoints checkpoint.Store
	changes     changes.Store
	close       func() error
}

func (ws *workspace) openStores() (*stores, error) {
	switch ws.cfg.Store {
	case config.StoreJSON:
		cps, err := checkpoint.NewFileStore(ws.cfg.CheckpointDir())
		if err != nil {
			return nil, err
		}
		chs, err := changes.NewFileStore(ws.cfg.ChangesDir())
		if err != nil {
			return nil, err
		}
		return &stores{checkpoints: cps, changes: chs, close: func() error { return nil }}, nil
	default:
		db, err := sqlitedb.Open(ws.cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		cps, err := checkpoint.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		chs, err := changes.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{checkpoints: cps, changes: chs, close: db.Close}, nil
	}
}

func requireSession(id string) error {
	if id == "" {
		return fmt.Errorf("--session is required")
	}
	return nil
}
