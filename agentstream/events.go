package agentstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// EventKind identifies the common event category across engines.
type EventKind int

const (
	// KindUnknown is the zero value. Unknown events are still delivered so
	// the transcript stays complete, but no consumer acts on them.
	KindUnknown EventKind = iota
	KindInit
	KindUserMessage
	KindText
	KindThinking
	KindToolStart
	KindToolEnd
	KindError
	KindComplete
)

var kindNames = map[EventKind]string{
	KindUnknown:     "unknown",
	KindInit:        "init",
	KindUserMessage: "user_message",
	KindText:        "assistant_delta",
	KindThinking:    "thinking",
	KindToolStart:   "tool_start",
	KindToolEnd:     "tool_result",
	KindError:       "error",
	KindComplete:    "complete",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText encodes the kind by name so stored transcripts stay readable.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// CompletionStatus describes how a prompt's run ended.
type CompletionStatus string

const (
	StatusSuccess   CompletionStatus = "success"
	StatusFailed    CompletionStatus = "failed"
	StatusCancelled CompletionStatus = "cancelled"
)

// ChangeOp is the change classification a tool reports for a file.
// An empty ChangeOp means the tool did not say and the tracker infers it.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// FileMutation describes the file effect a tool invocation claims to have.
// Hints are the content the tool carried in its own input; they are used
// when the file cannot be read from disk.
type FileMutation struct {
	OldHint *string
	NewHint *string
	// PathOps holds per-path classifications for tools that touch several
	// files with different operations. It overrides Op for listed paths.
	PathOps map[string]ChangeOp
	Paths   []string
	Op      ChangeOp
	// MayOmitResult marks tools (bulk patch application) that sometimes
	// never report a result; the tracker arms a fallback timer for them.
	MayOmitResult bool
}

// ToolCall carries tool invocation metadata for KindToolStart and KindToolEnd.
type ToolCall struct {
	Input    map[string]interface{}
	Result   interface{}
	Mutation *FileMutation
	ID       string
	Name     string
	IsError  bool
}

// Event is one decoded engine event.
type Event struct {
	// Tools holds every tool call of a KindToolStart or KindToolEnd event.
	// Engines that issue parallel tool calls report several in one event.
	Tools []*ToolCall
	// ID is an engine-provided stable identifier, empty when the engine
	// has none for this event.
	ID string
	// SessionID is the backend session id. Always set on KindInit.
	SessionID string
	Role      string
	Text      string
	Status    CompletionStatus
	Err       string
	Kind      EventKind
	// Final marks a KindError that ends the run.
	Final bool
}

// Envelope is an Event plus the transport metadata it arrived with.
type Envelope struct {
	ReceivedAt time.Time
	Raw        json.RawMessage
	Topic      string
	// Origin is the local session id of the publisher, empty when the
	// transport did not stamp one.
	Origin    string
	DedupeKey string
	Event
	// Seq is the position in the session transcript, assigned by the router.
	Seq int64
}

// IsTerminal reports whether the envelope closes the current prompt's run.
func (e Envelope) IsTerminal() bool {
	return e.Kind == KindComplete || (e.Kind == KindError && e.Final)
}

// Succeeded reports whether a terminal envelope ended the run successfully.
func (e Envelope) Succeeded() bool {
	return e.Kind == KindComplete && (e.Status == "" || e.Status == StatusSuccess)
}

// DedupeKey derives the topic-independent identity of an event. Stable
// engine ids are namespaced by kind because some engines reuse one id for
// the start and the end of the same item.
func DedupeKey(kind EventKind, id string, payload []byte) string {
	if id != "" {
		return "id:" + kind.String() + ":" + id
	}
	h := sha256.New()
	h.Write([]byte(kind.String()))
	h.Write([]byte{0})
	h.Write(payload)
	return "sha:" + hex.EncodeToString(h.Sum(nil))
}

// IsStableKey reports whether key was derived from an engine-provided id.
func IsStableKey(key string) bool {
	return len(key) > 3 && key[:3] == "id:"
}

// OpFor returns the reported operation for path, empty when unknown.
func (m *FileMutation) OpFor(path string) ChangeOp {
	if m == nil {
		return ""
	}
	if op, ok := m.PathOps[path]; ok {
		return op
	}
	return m.Op
}
