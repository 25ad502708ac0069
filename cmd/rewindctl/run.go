package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/rewind/checkpoint"
	"github.com/bazelment/yoloswe/rewind/engine"
	"github.com/bazelment/yoloswe/rewind/orchestrator"
	"github.com/bazelment/yoloswe/rewind/queue"
	"github.com/bazelment/yoloswe/rewind/transport"
)

var (
	runEngine    string
	runResume    string
	runModel     string
	runApproval  string
	runReasoning string
)

var runCmd = &cobra.Command{
	Use:   "run PROMPT [PROMPT...]",
	Short: "Run prompts in one engine session",
	Long: `Run opens a session, submits every PROMPT in order and streams the
engine's events until the last one finishes. Interrupting cancels the
running prompt; a second interrupt exits without waiting.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runEngine, "engine", "e", "", "Engine: claude, codex or gemini (default from config)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Backend session id to continue")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model passed to the engine")
	runCmd.Flags().StringVar(&runApproval, "approval", "", "Approval or permission mode passed to the engine")
	runCmd.Flags().StringVar(&runReasoning, "reasoning", "", "Reasoning effort passed to the engine")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, prompts []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.closeLog()

	name := runEngine
	if name == "" {
		name = ws.cfg.DefaultEngine
	}
	id, err := engine.ParseID(name)
	if err != nil {
		return err
	}

	st, err := ws.openStores()
	if err != nil {
		return err
	}
	defer st.close()

	bus := transport.NewBus(1024)
	defer bus.Close()

	var adapters []engine.Adapter
	for _, eid := range engine.IDs() {
		opts := append(ws.cfg.EngineOptions(eid), engine.WithLogger(ws.logger))
		a, err := engine.New(eid, bus, opts...)
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}

	ocfg := orchestrator.Config{
		Transport:      bus,
		Adapters:       adapters,
		Checkpoints:    st.checkpoints,
		Changes:        st.changes,
		Logger:         ws.logger,
		MatchTimeout:   ws.cfg.MatchTimeout,
		IdentityGrace:  ws.cfg.IdentityGrace,
		ResultFallback: ws.cfg.ResultFallback,
		DedupeWindow:   ws.cfg.DedupeWindow,
	}
	if !ws.cfg.DisableSnapshots {
		ocfg.Snapshotter = checkpoint.NewGitSnapshotter()
	}
	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := orch.OpenSession(ctx, id, engine.ProjectContext{Dir: ws.dir}, runResume)
	if err != nil {
		return err
	}
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	events, err := orch.Subscribe(subCtx, sess.LocalID)
	if err != nil {
		return err
	}

	opts := engine.Options{}
	for key, v := range map[string]string{
		engine.OptModel:     runModel,
		engine.OptApproval:  runApproval,
		engine.OptReasoning: runReasoning,
	} {
		if v != "" {
			opts[key] = v
		}
	}
	var reqs []*queue.Request
	for _, text := range prompts {
		req, err := orch.SubmitPrompt(ctx, sess.LocalID, text, opts)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	out := newPrinter(os.Stdout)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	finished := 0
	interrupted := false
loop:
	for finished < len(reqs) {
		select {
		case env, ok := <-events:
			if !ok {
				break loop
			}
			out.event(env)
			if env.IsTerminal() {
				finished++
			}
		case <-sigs:
			if interrupted {
				os.Exit(130)
			}
			interrupted = true
			if err := orch.Cancel(sess.LocalID); err != nil && !errors.Is(err, queue.ErrNothingInFlight) {
				ws.logger.Warn("cancel failed", "error", err)
			}
			// Queued prompts are not started after an interrupt.
			finished = len(reqs) - 1
		}
	}

	if snap, err := orch.Session(sess.LocalID); err == nil {
		sess = snap
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	closeErr := orch.CloseSession(closeCtx, sess.LocalID)

	if sess.BackendSessionID != "" {
		fmt.Fprintf(os.Stderr, "backend session: %s\n", sess.BackendSessionID)
	}
	failed := 0
	for _, req := range reqs {
		if req.Status() != queue.StatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return errors.Join(fmt.Errorf("%d of %d prompts did not complete", failed, len(reqs)), closeErr)
	}
	return closeErr
}
