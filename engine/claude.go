package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// claudeDialect speaks `claude -p --output-format stream-json`.
type claudeDialect struct{}

func (claudeDialect) id() ID { return Claude }

func (claudeDialect) capabilities() Capabilities {
	return Capabilities{TracksTools: true, MutatesFiles: true, RekeysOnResume: true}
}

func (claudeDialect) command(backendID string, req Request, extra []string) Command {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if backendID != "" {
		args = append(args, "--resume", backendID)
	}
	if m := req.Options[OptModel]; m != "" {
		args = append(args, "--model", m)
	}
	if mode := req.Options[OptApproval]; mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	args = append(args, extra...)
	// The prompt goes through stdin to avoid argv length and quoting limits.
	return Command{Args: args, Stdin: req.Prompt}
}

type claudeLine struct {
	Message   *claudeMessage `json:"message"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	UUID      string         `json:"uuid"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
}

type claudeMessage struct {
	Content json.RawMessage `json:"content"`
	ID      string          `json:"id"`
	Role    string          `json:"role"`
}

type claudeBlock struct {
	Input     map[string]interface{} `json:"input"`
	Content   json.RawMessage        `json:"content"`
	Type      string                 `json:"type"`
	Text      string                 `json:"text"`
	Thinking  string                 `json:"thinking"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	ToolUseID string                 `json:"tool_use_id"`
	IsError   bool                   `json:"is_error"`
}

func (claudeDialect) decode(payload []byte) (agentstream.Event, error) {
	var line claudeLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return agentstream.Event{}, fmt.Errorf("claude: %w", err)
	}
	ev := agentstream.Event{ID: line.UUID, SessionID: line.SessionID}

	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			ev.Kind = agentstream.KindInit
		}
		return ev, nil

	case "result":
		if line.IsError || strings.HasPrefix(line.Subtype, "error") {
			ev.Kind = agentstream.KindError
			ev.Final = true
			ev.Err = line.Result
			if ev.Err == "" {
				ev.Err = line.Subtype
			}
			return ev, nil
		}
		ev.Kind = agentstream.KindComplete
		ev.Status = agentstream.StatusSuccess
		ev.Text = line.Result
		return ev, nil

	case "assistant", "user":
		if line.Message == nil {
			return ev, nil
		}
		ev.Role = line.Message.Role
		if ev.Role == "" {
			ev.Role = line.Type
		}
		blocks, text := claudeContent(line.Message.Content)
		if text != "" {
			if line.Type == "user" {
				ev.Kind = agentstream.KindUserMessage
			} else {
				ev.Kind = agentstream.KindText
			}
			ev.Text = text
		}
		// Parallel tool calls arrive as several blocks of one message.
		// Assistant messages carry tool_use blocks and user messages carry
		// tool_result blocks, so one line never mixes starts and results.
		for _, b := range blocks {
			switch b.Type {
			case "tool_use":
				ev.Kind = agentstream.KindToolStart
				ev.Tools = append(ev.Tools, &agentstream.ToolCall{
					ID:       b.ID,
					Name:     b.Name,
					Input:    b.Input,
					Mutation: claudeMutation(b.Name, b.Input),
				})
			case "tool_result":
				ev.Kind = agentstream.KindToolEnd
				_, result := claudeContent(b.Content)
				ev.Tools = append(ev.Tools, &agentstream.ToolCall{ID: b.ToolUseID, Result: result, IsError: b.IsError})
			case "thinking":
				if ev.Kind == agentstream.KindUnknown {
					ev.Kind = agentstream.KindThinking
					ev.Text = b.Thinking
				}
			}
		}
		return ev, nil
	}
	return ev, nil
}

// claudeContent splits message content, which is either a plain string or
// a list of blocks, into blocks and the concatenated text.
func claudeContent(raw json.RawMessage) ([]claudeBlock, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return blocks, sb.String()
}

func claudeMutation(name string, input map[string]interface{}) *agentstream.FileMutation {
	switch name {
	case "Write":
		path := stringField(input, "file_path")
		if path == "" {
			return nil
		}
		return &agentstream.FileMutation{Paths: []string{path}, NewHint: stringPtrField(input, "content")}
	case "Edit", "MultiEdit":
		path := stringField(input, "file_path")
		if path == "" {
			return nil
		}
		// Edit inputs carry fragments, not whole files, so they are not
		// usable as content hints.
		return &agentstream.FileMutation{Paths: []string{path}, Op: agentstream.ChangeUpdate}
	case "NotebookEdit":
		path := stringField(input, "notebook_path")
		if path == "" {
			return nil
		}
		return &agentstream.FileMutation{Paths: []string{path}, Op: agentstream.ChangeUpdate}
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringPtrField(m map[string]interface{}, key string) *string {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &s
}
