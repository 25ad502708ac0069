package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// printer writes human-readable output on a terminal and JSON lines
// everywhere else.
type printer struct {
	w      io.Writer
	enc    *json.Encoder
	pretty bool
}

func newPrinter(f *os.File) *printer {
	return &printer{
		w:      f,
		enc:    json.NewEncoder(f),
		pretty: !jsonOutput && term.IsTerminal(int(f.Fd())),
	}
}

func (p *printer) writeJSON(v any) error { return p.enc.Encode(v) }

func (p *printer) event(env agentstream.Envelope) {
	if !p.pretty {
		_ = p.writeJSON(env)
		return
	}
	switch env.Kind {
	case agentstream.KindInit:
		fmt.Fprintf(p.w, "● session %s\n", env.SessionID)
	case agentstream.KindUserMessage:
		fmt.Fprintf(p.w, "> %s\n", oneLine(env.Text, 120))
	case agentstream.KindText:
		fmt.Fprintln(p.w, env.Text)
	case agentstream.KindThinking:
		fmt.Fprintf(p.w, "  (thinking) %s\n", oneLine(env.Text, 120))
	case agentstream.KindToolStart:
		for _, tool := range env.Tools {
			fmt.Fprintf(p.w, "→ %s%s\n", tool.Name, toolTarget(tool))
		}
	case agentstream.KindToolEnd:
		for _, tool := range env.Tools {
			mark := "✓"
			if tool.IsError {
				mark = "✗"
			}
			fmt.Fprintf(p.w, "  %s %s\n", mark, tool.ID)
		}
	case agentstream.KindError:
		if env.Final {
			fmt.Fprintf(p.w, "✗ failed: %s\n", env.Err)
		} else {
			fmt.Fprintf(p.w, "! %s\n", oneLine(env.Err, 200))
		}
	case agentstream.KindComplete:
		status := env.Status
		if status == "" {
			status = agentstream.StatusSuccess
		}
		fmt.Fprintf(p.w, "■ %s\n", status)
	}
}

func toolTarget(tool *agentstream.ToolCall) string {
	if tool.Mutation != nil && len(tool.Mutation.Paths) > 0 {
		return " " + strings.Join(tool.Mutation.Paths, ", ")
	}
	if cmd, ok := tool.Input["command"].(string); ok {
		return " " + oneLine(cmd, 80)
	}
	return ""
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}
