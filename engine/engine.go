// Package engine adapts the three supported coding-assistant CLIs to one
// contract: start or resume a run, cancel it, and describe the topics and
// event shapes it produces.
//
// Every engine runs as a subprocess that prints one JSON object per line.
// A shared runner pumps those lines onto the transport; per-engine
// dialects build the command line and decode the lines into agentstream
// events. Consumers dispatch on ID and never see engine-specific shapes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/transport"
)

// ID names an engine.
type ID string

const (
	Claude ID = "claude"
	Codex  ID = "codex"
	Gemini ID = "gemini"
)

// IDs lists the supported engines.
func IDs() []ID { return []ID{Claude, Codex, Gemini} }

// ParseID validates an engine name.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range IDs() {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
}

// Well-known option keys. Values are passed through to the engine's own
// flags; the core does not interpret them.
const (
	OptModel     = "model"
	OptReasoning = "reasoning"
	OptApproval  = "approval"
)

// Options are engine-specific settings for one prompt.
type Options map[string]string

// ProjectContext is the project an engine operates on.
type ProjectContext struct {
	Env map[string]string
	// Dir is the project root and the engine's working directory.
	Dir string
}

// IsZero reports whether no project was selected.
func (p ProjectContext) IsZero() bool { return strings.TrimSpace(p.Dir) == "" }

// Request is one prompt submission for an adapter.
type Request struct {
	Options Options
	Project ProjectContext
	// LocalID is stamped as the origin of every published message so
	// routers of other sessions can reject it.
	LocalID string
	Prompt  string
}

// Capabilities describes what an engine reports.
type Capabilities struct {
	// TracksTools means tool start and result events are emitted.
	TracksTools bool
	// MutatesFiles means the engine edits project files, so checkpoints
	// snapshot the working tree and file changes are tracked.
	MutatesFiles bool
	// RekeysOnResume means resuming yields a new backend session id.
	RekeysOnResume bool
}

// Adapter is the contract shared by all engines.
type Adapter interface {
	ID() ID
	Start(ctx context.Context, req Request) (*Run, error)
	// Resume continues backendID. If the resumed process cannot be
	// launched, the adapter retries once as a fresh start.
	Resume(ctx context.Context, backendID string, req Request) (*Run, error)
	// Cancel asks the run to stop. The run still ends with a terminal
	// event, synthesized if the engine does not print one.
	Cancel(run *Run) error
	Topics() transport.Topics
	Decode(topic string, payload []byte) (agentstream.Event, error)
	Capabilities() Capabilities
}

// Config configures an adapter.
type Config struct {
	Transport transport.Transport
	Launcher  Launcher
	Logger    *slog.Logger
	// Binary overrides the executable name.
	Binary string
	// ExtraArgs are appended before the prompt.
	ExtraArgs []string
	// CancelGrace is how long a cancelled run may take to exit after
	// SIGINT before it is killed.
	CancelGrace time.Duration
}

// Option customizes Config.
type Option func(*Config)

// WithBinary sets the executable.
func WithBinary(path string) Option {
	return func(c *Config) { c.Binary = path }
}

// WithExtraArgs appends arguments to every invocation.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) { c.ExtraArgs = append(c.ExtraArgs, args...) }
}

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(c *Config) { c.Launcher = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithCancelGrace sets the SIGINT-to-SIGKILL delay.
func WithCancelGrace(d time.Duration) Option {
	return func(c *Config) { c.CancelGrace = d }
}

const defaultCancelGrace = 3 * time.Second

// New returns the adapter for id publishing onto t.
func New(id ID, t transport.Transport, opts ...Option) (Adapter, error) {
	d, err := dialectFor(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("engine: transport is required")
	}
	cfg := Config{Transport: t}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Binary == "" {
		cfg.Binary = string(id)
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	return &cliAdapter{
		dialect: d,
		cfg:     cfg,
		logger:  cfg.Logger.With("engine", string(id)),
	}, nil
}

func dialectFor(id ID) (dialect, error) {
	switch id {
	case Claude:
		return claudeDialect{}, nil
	case Codex:
		return codexDialect{}, nil
	case Gemini:
		return geminiDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, id)
	}
}

// Topic names follow "<engine>-<stream>" for generic topics and
// "<engine>-<stream>:<backend id>" for scoped ones. Terminal events,
// synthetic ones included, travel on the output stream so they can never
// overtake the output they close.
const (
	streamOutput = "output"
	streamError  = "error"
)

var streams = []string{streamOutput, streamError}

// GenericTopic returns the generic topic of stream for id.
func GenericTopic(id ID, stream string) string {
	return string(id) + "-" + stream
}

// ScopedTopic returns the topic of stream addressed to backendID.
func ScopedTopic(id ID, stream, backendID string) string {
	return GenericTopic(id, stream) + ":" + backendID
}

// TopicsFor returns the topic set of id.
func TopicsFor(id ID) transport.Topics {
	generic := make([]string, 0, len(streams))
	for _, s := range streams {
		generic = append(generic, GenericTopic(id, s))
	}
	return transport.Topics{
		Generic: generic,
		Scoped: func(backendID string) []string {
			scoped := make([]string, 0, len(streams))
			for _, s := range streams {
				scoped = append(scoped, ScopedTopic(id, s, backendID))
			}
			return scoped
		},
	}
}

// streamOf returns the stream a topic carries.
func streamOf(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		topic = topic[:i]
	}
	if i := strings.LastIndexByte(topic, '-'); i >= 0 {
		return topic[i+1:]
	}
	return streamOutput
}
