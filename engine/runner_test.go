package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/transport"
)

var project = ProjectContext{Dir: "/tmp/project"}

func newTestAdapter(t *testing.T, id ID, l Launcher) (Adapter, *transport.Bus) {
	t.Helper()
	bus := transport.NewBus(64)
	t.Cleanup(bus.Close)
	a, err := New(id, bus, WithLauncher(l), WithCancelGrace(10*time.Millisecond))
	require.NoError(t, err)
	return a, bus
}

func subscribe(t *testing.T, bus *transport.Bus, topic string) <-chan transport.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := bus.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan transport.Message, n int) []transport.Message {
	t.Helper()
	var out []transport.Message
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

const claudeScript = `{"type":"system","subtype":"init","session_id":"S1","uuid":"u0"}
{"type":"assistant","uuid":"u1","message":{"role":"assistant","content":[{"type":"text","text":"looking"}]}}

{"type":"result","subtype":"success","uuid":"u2","session_id":"S1","result":"done"}
`

func TestRun_PublishesGenericAndScoped(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(Command) (Process, error) { return scripted(claudeScript, "", nil), nil }}
	a, bus := newTestAdapter(t, Claude, l)
	generic := subscribe(t, bus, "claude-output")
	scoped := subscribe(t, bus, "claude-output:S1")

	run, err := a.Start(context.Background(), Request{LocalID: "tab-1", Project: project, Prompt: "fix bug"})
	require.NoError(t, err)
	waitDone(t, run)

	g := receive(t, generic, 3)
	for i, msg := range g {
		assert.Equal(t, "tab-1", msg.Origin)
		assert.Equal(t, run.ID, msg.Run)
		assert.Equal(t, "output", msg.Stream)
		assert.EqualValues(t, i+1, msg.Seq)
	}
	ev, err := a.Decode(g[2].Topic, g[2].Payload)
	require.NoError(t, err)
	assert.Equal(t, agentstream.KindComplete, ev.Kind)

	// The init line is published after the id is learned, so the scoped
	// topic sees it too.
	s := receive(t, scoped, 3)
	assert.Equal(t, g[0].Payload, s[0].Payload)
	for i := range s {
		assert.Equal(t, g[i].Seq, s[i].Seq)
	}
	assert.Equal(t, "S1", run.BackendSessionID())
	assert.NoError(t, run.Err())

	cmds := l.calls()
	require.Len(t, cmds, 1)
	assert.Equal(t, "claude", cmds[0].Path)
	assert.Equal(t, "/tmp/project", cmds[0].Dir)
	assert.Equal(t, "fix bug", cmds[0].Stdin)
}

func TestRun_SynthesizesTerminalOnFailure(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(Command) (Process, error) {
		return scripted(`{"type":"thread.started","thread_id":"T1"}`+"\n", "boom: quota\n", errors.New("exit status 1")), nil
	}}
	a, bus := newTestAdapter(t, Codex, l)
	out := subscribe(t, bus, "codex-output")
	errs := subscribe(t, bus, "codex-error")

	run, err := a.Start(context.Background(), Request{LocalID: "tab-1", Project: project, Prompt: "p"})
	require.NoError(t, err)
	waitDone(t, run)

	msgs := receive(t, out, 2)
	ev, err := a.Decode(msgs[1].Topic, msgs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, agentstream.KindError, ev.Kind)
	assert.True(t, ev.Final)
	assert.NotEmpty(t, ev.ID)
	assert.Contains(t, ev.Err, "exit status 1")
	assert.Contains(t, ev.Err, "boom: quota")

	stderr := receive(t, errs, 1)
	sev, err := a.Decode(stderr[0].Topic, stderr[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, agentstream.KindError, sev.Kind)
	assert.False(t, sev.Final)
	assert.Equal(t, "boom: quota", sev.Err)
}

func TestRun_NoSyntheticTerminalWhenEngineReportsOne(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(Command) (Process, error) { return scripted(claudeScript, "", nil), nil }}
	a, bus := newTestAdapter(t, Claude, l)
	out := subscribe(t, bus, "claude-output")

	run, err := a.Start(context.Background(), Request{Project: project, Prompt: "p"})
	require.NoError(t, err)
	waitDone(t, run)

	receive(t, out, 3)
	select {
	case msg := <-out:
		t.Fatalf("unexpected extra message %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancel_PublishesCancelledTerminal(t *testing.T) {
	t.Parallel()
	proc := live()
	l := &fakeLauncher{launch: func(Command) (Process, error) { return proc, nil }}
	a, bus := newTestAdapter(t, Gemini, l)
	out := subscribe(t, bus, "gemini-output")

	run, err := a.Start(context.Background(), Request{Project: project, Prompt: "p"})
	require.NoError(t, err)
	proc.write(`{"type":"init","session_id":"G1"}`)
	receive(t, out, 1)

	require.NoError(t, a.Cancel(run))
	require.NoError(t, a.Cancel(run))
	waitDone(t, run)
	assert.True(t, run.Cancelled())

	msgs := receive(t, out, 1)
	ev, err := a.Decode(msgs[0].Topic, msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, agentstream.KindComplete, ev.Kind)
	assert.Equal(t, agentstream.StatusCancelled, ev.Status)
}

func TestResume_FallsBackToFreshStart(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(cmd Command) (Process, error) {
		for _, arg := range cmd.Args {
			if arg == "resume" {
				return nil, errors.New("thread not found")
			}
		}
		return scripted(`{"type":"turn.completed"}`+"\n", "", nil), nil
	}}
	a, _ := newTestAdapter(t, Codex, l)

	run, err := a.Resume(context.Background(), "T-old", Request{Project: project, Prompt: "again"})
	require.NoError(t, err)
	waitDone(t, run)
	assert.True(t, run.FellBack)
	assert.False(t, run.Resumed)
	assert.Empty(t, run.BackendSessionID())
	assert.Len(t, l.calls(), 2)
}

func TestResume_KnownIDScopesImmediately(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(Command) (Process, error) {
		return scripted(`{"type":"turn.completed"}`+"\n", "", nil), nil
	}}
	a, bus := newTestAdapter(t, Codex, l)
	scoped := subscribe(t, bus, "codex-output:T1")

	run, err := a.Resume(context.Background(), "T1", Request{Project: project, Prompt: "again"})
	require.NoError(t, err)
	waitDone(t, run)
	assert.True(t, run.Resumed)
	receive(t, scoped, 1)
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{launch: func(Command) (Process, error) { return nil, errors.New("no such file") }}
	a, _ := newTestAdapter(t, Claude, l)

	_, err := a.Start(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoProject)

	_, err = a.Start(context.Background(), Request{Project: project, Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = a.Start(context.Background(), Request{Project: project, Prompt: "p"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Claude, te.Engine)
	assert.Equal(t, "start", te.Op)
	assert.True(t, strings.Contains(err.Error(), "no such file"))
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()
	_, err := New("copilot", transport.NewBus(1))
	assert.ErrorIs(t, err, ErrUnknownEngine)
	assert.False(t, IsRecoverable(err))
}

func TestParseID(t *testing.T) {
	t.Parallel()
	id, err := ParseID(" Codex ")
	require.NoError(t, err)
	assert.Equal(t, Codex, id)
	_, err = ParseID("")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestTopicsFor(t *testing.T) {
	t.Parallel()
	topics := TopicsFor(Gemini)
	assert.Equal(t, []string{"gemini-output", "gemini-error"}, topics.Generic)
	assert.Equal(t, []string{"gemini-output:G1", "gemini-error:G1"}, topics.Scoped("G1"))
	assert.Equal(t, "error", streamOf("gemini-error:G1"))
	assert.Equal(t, "output", streamOf("gemini-output"))
}
