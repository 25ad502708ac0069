package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/internal/procattr"
	"github.com/bazelment/yoloswe/rewind/logging"
	"github.com/bazelment/yoloswe/rewind/transport"
)

// maxLineSize bounds one JSON line. Tool results that embed whole files
// can be large.
const maxLineSize = 16 << 20

// Command is one engine invocation.
type Command struct {
	Env   map[string]string
	Path  string
	Dir   string
	Stdin string
	Args  []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Process is a launched engine.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns once the process has exited and both pipes were drained.
	Wait() error
	// Interrupt asks the process to stop, forcing it after grace.
	Interrupt(grace time.Duration) error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher runs engines as OS subprocesses in their own process group.
type ExecLauncher struct{}

// Launch implements Launcher. The process is not bound to ctx: a run
// outlives the submit call that started it and ends through Cancel.
func (ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &CLINotFoundError{Path: c.Path, Cause: err}
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	procattr.Set(cmd)
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = strings.NewReader(c.Stdin)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, exited: make(chan struct{})}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	exited chan struct{}
	once   sync.Once
	err    error
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.cmd.Wait()
		close(p.exited)
	})
	return p.err
}

func (p *execProcess) Interrupt(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return procattr.Interrupt(p.cmd.Process, grace, p.exited)
}

// Run is the handle of one engine invocation.
type Run struct {
	StartedAt time.Time
	proc      Process
	err       error
	done      chan struct{}
	ID        string
	LocalID   string
	Engine    ID
	backendID string
	lastErr   string
	mu        sync.Mutex
	cancelled atomic.Bool
	outSeq    atomic.Int64
	errSeq    atomic.Int64
	// Resumed is set when the run continues an earlier backend session.
	Resumed bool
	// FellBack is set when a resume could not launch and the run was
	// started fresh instead.
	FellBack bool
}

// Done is closed once the process exited and its terminal event was
// published.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the process exit error. Valid after Done.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// BackendSessionID returns the id the engine reported, or the resumed id.
func (r *Run) BackendSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backendID
}

// Cancelled reports whether Cancel was called.
func (r *Run) Cancelled() bool { return r.cancelled.Load() }

func (r *Run) nextSeq(stream string) int64 {
	if stream == streamError {
		return r.errSeq.Add(1)
	}
	return r.outSeq.Add(1)
}

func (r *Run) setBackendID(id string) {
	r.mu.Lock()
	r.backendID = id
	r.mu.Unlock()
}

// dialect is the engine-specific half of an adapter.
type dialect interface {
	id() ID
	// command builds the invocation. backendID is empty for a fresh start.
	command(backendID string, req Request, extra []string) Command
	decode(payload []byte) (agentstream.Event, error)
	capabilities() Capabilities
}

// cliAdapter is the Adapter shared by all engines.
type cliAdapter struct {
	dialect dialect
	logger  *slog.Logger
	cfg     Config
}

var _ Adapter = (*cliAdapter)(nil)

func (a *cliAdapter) ID() ID                     { return a.dialect.id() }
func (a *cliAdapter) Capabilities() Capabilities { return a.dialect.capabilities() }
func (a *cliAdapter) Topics() transport.Topics   { return TopicsFor(a.dialect.id()) }

// Decode implements Adapter.
func (a *cliAdapter) Decode(topic string, payload []byte) (agentstream.Event, error) {
	if streamOf(topic) == streamError {
		return decodeStderr(payload)
	}
	if bytes.Contains(payload, terminalMarker) {
		return decodeTerminal(payload)
	}
	return a.dialect.decode(payload)
}

// Start implements Adapter.
func (a *cliAdapter) Start(ctx context.Context, req Request) (*Run, error) {
	return a.launch(ctx, "", req)
}

// Resume implements Adapter.
func (a *cliAdapter) Resume(ctx context.Context, backendID string, req Request) (*Run, error) {
	if backendID == "" {
		return a.Start(ctx, req)
	}
	run, err := a.launch(ctx, backendID, req)
	if err == nil {
		return run, nil
	}
	var te *TransportError
	if !errors.As(err, &te) || !IsRecoverable(err) {
		return nil, err
	}
	a.logger.Warn("resume failed to launch, starting a new session", "backend_session_id", backendID, "error", err)
	run, err = a.launch(ctx, "", req)
	if err != nil {
		return nil, err
	}
	run.FellBack = true
	return run, nil
}

func (a *cliAdapter) launch(ctx context.Context, backendID string, req Request) (*Run, error) {
	if req.Project.IsZero() {
		return nil, ErrNoProject
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	cmd := a.dialect.command(backendID, req, a.cfg.ExtraArgs)
	cmd.Path = a.cfg.Binary
	cmd.Dir = req.Project.Dir
	cmd.Env = req.Project.Env

	op := "start"
	if backendID != "" {
		op = "resume"
	}
	a.logger.Debug("launching engine", "op", op, "command", cmd.String(), "local_id", req.LocalID)

	proc, err := a.cfg.Launcher.Launch(ctx, cmd)
	if err != nil {
		return nil, &TransportError{Engine: a.dialect.id(), Op: op, Cause: err}
	}

	run := &Run{
		StartedAt: time.Now(),
		proc:      proc,
		done:      make(chan struct{}),
		ID:        uuid.NewString(),
		LocalID:   req.LocalID,
		Engine:    a.dialect.id(),
		backendID: backendID,
		Resumed:   backendID != "",
	}
	go a.pump(run)
	return run, nil
}

// Cancel implements Adapter.
func (a *cliAdapter) Cancel(run *Run) error {
	if run == nil {
		return errors.New("engine: nil run")
	}
	if run.cancelled.Swap(true) {
		return nil
	}
	select {
	case <-run.done:
		return nil
	default:
	}
	a.logger.Info("cancelling run", "run_id", run.ID, "local_id", run.LocalID)
	if err := run.proc.Interrupt(a.cfg.CancelGrace); err != nil {
		return &TransportError{Engine: a.dialect.id(), Op: "cancel", Cause: err}
	}
	return nil
}

// pump copies the process output onto the transport and closes the run
// with a terminal event.
func (a *cliAdapter) pump(run *Run) {
	defer close(run.done)

	var sawTerminal atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		return a.pumpStdout(run, run.proc.Stdout(), &sawTerminal)
	})
	g.Go(func() error {
		return a.pumpStderr(run, run.proc.Stderr())
	})
	readErr := g.Wait()
	exitErr := run.proc.Wait()
	if exitErr == nil {
		exitErr = readErr
	}

	run.mu.Lock()
	run.err = exitErr
	lastErr := run.lastErr
	run.mu.Unlock()

	logger := a.logger.With("run_id", run.ID, "local_id", run.LocalID)
	if sawTerminal.Load() {
		logger.Debug("run finished", "error", exitErr)
		return
	}

	rec := terminalRecord{Type: terminalType, EventID: uuid.NewString(), Status: string(agentstream.StatusSuccess)}
	switch {
	case run.Cancelled():
		rec.Status = string(agentstream.StatusCancelled)
	case exitErr != nil:
		rec.Status = string(agentstream.StatusFailed)
		rec.Error = fmt.Sprintf("%s exited: %v", run.Engine, exitErr)
		if lastErr != "" {
			rec.Error += ": " + lastErr
		}
	}
	logger.Info("run ended without a terminal event", "status", rec.Status, "error", exitErr)

	payload, err := json.Marshal(rec)
	if err != nil {
		logger.Error("failed to encode terminal event", "error", err)
		return
	}
	a.publish(run, streamOutput, payload)
}

func (a *cliAdapter) pumpStdout(run *Run, r io.Reader, sawTerminal *atomic.Bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		a.logger.Log(context.Background(), logging.LevelTrace, "engine output", "run_id", run.ID, "line", string(payload))
		if ev, err := a.dialect.decode(payload); err == nil {
			if ev.Kind == agentstream.KindInit && ev.SessionID != "" {
				run.setBackendID(ev.SessionID)
			}
			if ev.Kind == agentstream.KindComplete || (ev.Kind == agentstream.KindError && ev.Final) {
				sawTerminal.Store(true)
			}
		}
		a.publish(run, streamOutput, payload)
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the process cannot block on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read stdout: %w", err)
	}
	return nil
}

func (a *cliAdapter) pumpStderr(run *Run, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.logger.Debug("engine stderr", "run_id", run.ID, "line", line)
		run.mu.Lock()
		run.lastErr = line
		run.mu.Unlock()

		payload, err := json.Marshal(stderrRecord{Type: "stderr", Message: line})
		if err != nil {
			continue
		}
		a.publish(run, streamError, payload)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read stderr: %w", err)
	}
	return nil
}

// publish sends payload on the generic topic, then on the scoped topic
// once the backend id is known. Both copies carry the same sequence number.
func (a *cliAdapter) publish(run *Run, stream string, payload []byte) {
	id := a.dialect.id()
	msg := transport.Message{
		Topic:   GenericTopic(id, stream),
		Origin:  run.LocalID,
		Run:     run.ID,
		Stream:  stream,
		Seq:     run.nextSeq(stream),
		Payload: payload,
	}
	if err := a.cfg.Transport.Publish(msg); err != nil {
		a.logger.Debug("publish failed", "topic", msg.Topic, "error", err)
	}
	if backendID := run.BackendSessionID(); backendID != "" {
		msg.Topic = ScopedTopic(id, stream, backendID)
		if err := a.cfg.Transport.Publish(msg); err != nil {
			a.logger.Debug("publish failed", "topic", msg.Topic, "error", err)
		}
	}
}

const terminalType = "rewind.terminal"

var terminalMarker = []byte(`"type":"` + terminalType + `"`)

// terminalRecord is the synthetic event published when a process exits
// without printing a terminal event of its own.
type terminalRecord struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func decodeTerminal(payload []byte) (agentstream.Event, error) {
	var rec terminalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return agentstream.Event{}, err
	}
	ev := agentstream.Event{ID: rec.EventID, Status: agentstream.CompletionStatus(rec.Status)}
	if ev.Status == agentstream.StatusFailed {
		ev.Kind = agentstream.KindError
		ev.Err = rec.Error
		ev.Final = true
		return ev, nil
	}
	ev.Kind = agentstream.KindComplete
	return ev, nil
}

type stderrRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeStderr(payload []byte) (agentstream.Event, error) {
	var rec stderrRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return agentstream.Event{}, err
	}
	return agentstream.Event{Kind: agentstream.KindError, Err: rec.Message, Text: rec.Message}, nil
}
