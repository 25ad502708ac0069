package engine

import (
	"encoding/json"
	"fmt"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// geminiDialect speaks `gemini --output-format stream-json`.
type geminiDialect struct{}

func (geminiDialect) id() ID { return Gemini }

func (geminiDialect) capabilities() Capabilities {
	return Capabilities{TracksTools: true, MutatesFiles: true}
}

func (geminiDialect) command(backendID string, req Request, extra []string) Command {
	args := []string{"--output-format", "stream-json"}
	if backendID != "" {
		args = append(args, "--resume", backendID)
	}
	if m := req.Options[OptModel]; m != "" {
		args = append(args, "--model", m)
	}
	if mode := req.Options[OptApproval]; mode != "" {
		args = append(args, "--approval-mode", mode)
	}
	args = append(args, extra...)
	args = append(args, "--prompt", req.Prompt)
	return Command{Args: args}
}

type geminiLine struct {
	Parameters map[string]interface{} `json:"parameters"`
	Error      *geminiErr             `json:"error"`
	Output     interface{}            `json:"output"`
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id"`
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolName   string                 `json:"tool_name"`
	ToolID     string                 `json:"tool_id"`
	Status     string                 `json:"status"`
	Severity   string                 `json:"severity"`
	Message    string                 `json:"message"`
}

type geminiErr struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (geminiDialect) decode(payload []byte) (agentstream.Event, error) {
	var line geminiLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return agentstream.Event{}, fmt.Errorf("gemini: %w", err)
	}

	switch line.Type {
	case "init":
		return agentstream.Event{Kind: agentstream.KindInit, SessionID: line.SessionID}, nil
	case "message":
		ev := agentstream.Event{Role: line.Role, Text: line.Content, Kind: agentstream.KindText}
		if line.Role == "user" {
			ev.Kind = agentstream.KindUserMessage
		}
		return ev, nil
	case "tool_use":
		return agentstream.Event{
			Kind: agentstream.KindToolStart,
			ID:   line.ToolID,
			Tools: []*agentstream.ToolCall{{
				ID:       line.ToolID,
				Name:     line.ToolName,
				Input:    line.Parameters,
				Mutation: geminiMutation(line.ToolName, line.Parameters),
			}},
		}, nil
	case "tool_result":
		tc := &agentstream.ToolCall{ID: line.ToolID, Result: line.Output, IsError: line.Status == "error"}
		if line.Error != nil && tc.Result == nil {
			tc.Result = line.Error.Message
		}
		return agentstream.Event{Kind: agentstream.KindToolEnd, ID: line.ToolID, Tools: []*agentstream.ToolCall{tc}}, nil
	case "error":
		return agentstream.Event{Kind: agentstream.KindError, Err: line.Message}, nil
	case "result":
		if line.Status == "error" {
			msg := "gemini run failed"
			if line.Error != nil && line.Error.Message != "" {
				msg = line.Error.Message
			}
			return agentstream.Event{Kind: agentstream.KindError, Err: msg, Final: true}, nil
		}
		return agentstream.Event{Kind: agentstream.KindComplete, Status: agentstream.StatusSuccess}, nil
	}
	return agentstream.Event{}, nil
}

func geminiMutation(name string, params map[string]interface{}) *agentstream.FileMutation {
	path := stringField(params, "file_path")
	if path == "" {
		path = stringField(params, "absolute_path")
	}
	if path == "" {
		return nil
	}
	switch name {
	case "write_file":
		return &agentstream.FileMutation{Paths: []string{path}, NewHint: stringPtrField(params, "content")}
	case "replace", "edit":
		return &agentstream.FileMutation{Paths: []string{path}, Op: agentstream.ChangeUpdate}
	}
	return nil
}
