package engine

import (
	"encoding/json"
	"fmt"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// codexDialect speaks `codex exec --json`.
type codexDialect struct{}

func (codexDialect) id() ID { return Codex }

func (codexDialect) capabilities() Capabilities {
	return Capabilities{TracksTools: true, MutatesFiles: true}
}

func (codexDialect) command(backendID string, req Request, extra []string) Command {
	// --json and --skip-git-repo-check must precede the resume subcommand.
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if backendID != "" {
		// Resumed threads keep their original model and sandbox.
		args = append(args, "resume", backendID)
	} else {
		if m := req.Options[OptModel]; m != "" {
			args = append(args, "--model", m)
		}
		switch req.Options[OptApproval] {
		case "full-auto":
			args = append(args, "--full-auto")
		case "danger-full-access":
			args = append(args, "--sandbox", "danger-full-access")
		}
		if r := req.Options[OptReasoning]; r != "" {
			args = append(args, "-c", "model_reasoning_effort="+r)
		}
	}
	args = append(args, extra...)
	// "-" reads the prompt from stdin.
	args = append(args, "-")
	return Command{Args: args, Stdin: req.Prompt}
}

type codexLine struct {
	Item     *codexItem `json:"item"`
	Error    *codexErr  `json:"error"`
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Message  string     `json:"message"`
}

type codexErr struct {
	Message string `json:"message"`
}

type codexItem struct {
	ExitCode         *int          `json:"exit_code"`
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Text             string        `json:"text"`
	Command          string        `json:"command"`
	AggregatedOutput string        `json:"aggregated_output"`
	Status           string        `json:"status"`
	Server           string        `json:"server"`
	Tool             string        `json:"tool"`
	Message          string        `json:"message"`
	Changes          []codexChange `json:"changes"`
}

type codexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func (codexDialect) decode(payload []byte) (agentstream.Event, error) {
	var line codexLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return agentstream.Event{}, fmt.Errorf("codex: %w", err)
	}

	switch line.Type {
	case "thread.started":
		return agentstream.Event{Kind: agentstream.KindInit, SessionID: line.ThreadID}, nil
	case "turn.completed":
		return agentstream.Event{Kind: agentstream.KindComplete, Status: agentstream.StatusSuccess}, nil
	case "turn.failed":
		msg := "turn failed"
		if line.Error != nil && line.Error.Message != "" {
			msg = line.Error.Message
		}
		return agentstream.Event{Kind: agentstream.KindError, Err: msg, Final: true}, nil
	case "error":
		// Top-level errors include transient reconnect notices; only
		// turn.failed ends a turn.
		return agentstream.Event{Kind: agentstream.KindError, Err: line.Message}, nil
	case "item.started", "item.completed":
		if line.Item == nil {
			return agentstream.Event{}, nil
		}
		return codexItemEvent(line.Item, line.Type == "item.completed"), nil
	}
	// turn.started, item.updated and unknown lines carry no state the core
	// acts on.
	return agentstream.Event{}, nil
}

func codexItemEvent(it *codexItem, completed bool) agentstream.Event {
	ev := agentstream.Event{ID: it.ID}
	toolKind := agentstream.KindToolStart
	if completed {
		toolKind = agentstream.KindToolEnd
	}

	switch it.Type {
	case "agent_message":
		if !completed {
			return agentstream.Event{}
		}
		ev.Kind = agentstream.KindText
		ev.Role = "assistant"
		ev.Text = it.Text
	case "reasoning":
		if !completed {
			return agentstream.Event{}
		}
		ev.Kind = agentstream.KindThinking
		ev.Text = it.Text
	case "command_execution":
		ev.Kind = toolKind
		tc := &agentstream.ToolCall{
			ID:    it.ID,
			Name:  "command_execution",
			Input: map[string]interface{}{"command": it.Command},
		}
		if completed {
			tc.Result = it.AggregatedOutput
			tc.IsError = it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0)
		}
		ev.Tools = []*agentstream.ToolCall{tc}
	case "file_change":
		ev.Kind = toolKind
		ev.Tools = []*agentstream.ToolCall{{
			ID:       it.ID,
			Name:     "file_change",
			Mutation: codexMutation(it.Changes),
			IsError:  completed && it.Status == "failed",
		}}
	case "mcp_tool_call":
		ev.Kind = toolKind
		ev.Tools = []*agentstream.ToolCall{{
			ID:      it.ID,
			Name:    it.Server + "." + it.Tool,
			IsError: completed && it.Status == "failed",
		}}
	case "error":
		ev.Kind = agentstream.KindError
		ev.Err = it.Message
	default:
		ev.Kind = agentstream.KindUnknown
	}
	return ev
}

func codexMutation(changes []codexChange) *agentstream.FileMutation {
	if len(changes) == 0 {
		return nil
	}
	// Patch application sometimes never reports completion.
	m := &agentstream.FileMutation{MayOmitResult: true, PathOps: make(map[string]agentstream.ChangeOp, len(changes))}
	for _, c := range changes {
		m.Paths = append(m.Paths, c.Path)
		switch c.Kind {
		case "add":
			m.PathOps[c.Path] = agentstream.ChangeCreate
		case "delete":
			m.PathOps[c.Path] = agentstream.ChangeDelete
		case "update":
			m.PathOps[c.Path] = agentstream.ChangeUpdate
		}
	}
	return m
}
