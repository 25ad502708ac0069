// Package orchestrator runs prompts for open sessions. For each session it
// wires the engine adapter, the event router, the prompt queue, the
// checkpoint recorder and the file change tracker together, and fans the
// routed events out to UI subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/changes"
	"github.com/bazelment/yoloswe/rewind/checkpoint"
	"github.com/bazelment/yoloswe/rewind/engine"
	"github.com/bazelment/yoloswe/rewind/queue"
	"github.com/bazelment/yoloswe/rewind/router"
	"github.com/bazelment/yoloswe/rewind/transport"
)

// Config configures an Orchestrator.
type Config struct { //nolint:govet // fieldalignment: readability over packing
	// Transport carries engine output to the routers. Adapters must
	// publish on the same transport.
	Transport   transport.Transport
	Adapters    []engine.Adapter
	Checkpoints checkpoint.Store
	// Changes is optional; without it file changes are not tracked.
	Changes changes.Store
	// Snapshotter is optional; without it checkpoints carry no file
	// snapshot.
	Snapshotter checkpoint.Snapshotter
	Logger      *slog.Logger

	MatchTimeout   time.Duration
	IdentityGrace  time.Duration
	ResultFallback time.Duration
	DedupeWindow   int
}

// Session is a snapshot of an open session.
type Session struct {
	OpenedAt         time.Time
	Project          engine.ProjectContext
	LocalID          string
	Engine           engine.ID
	BackendSessionID string
	// InFlight is the id of the running request, empty when idle.
	InFlight     string
	ChannelState router.ChannelState
	Queued       int
}

// Orchestrator owns every open session.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	adapters map[engine.ID]engine.Adapter
	sessions map[string]*runtime
	mu       sync.RWMutex
}

// New validates cfg and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("orchestrator: transport is required")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("orchestrator: no engine adapters")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		adapters: make(map[engine.ID]engine.Adapter, len(cfg.Adapters)),
		sessions: make(map[string]*runtime),
	}
	for _, a := range cfg.Adapters {
		o.adapters[a.ID()] = a
	}
	return o, nil
}

// OpenSession creates a session for an engine. A non-empty resumeID
// continues an existing backend session; its events are routed from the
// start and its first prompt resumes it.
func (o *Orchestrator) OpenSession(ctx context.Context, id engine.ID, project engine.ProjectContext, resumeID string) (Session, error) {
	adapter, ok := o.adapters[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", engine.ErrUnknownEngine, id)
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	rt, err := o.newRuntime(adapter, project, resumeID)
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	o.sessions[rt.localID] = rt
	o.mu.Unlock()

	o.logger.Info("session opened", "local_id", rt.localID, "engine", id, "project", project.Dir, "resume_id", resumeID)
	return rt.snapshot(), nil
}

func (o *Orchestrator) lookup(localID string) (*runtime, error) {
	o.mu.RLock()
	rt, ok := o.sessions[localID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, localID)
	}
	return rt, nil
}

// SubmitPrompt validates and queues a prompt. It starts right away when
// the session is idle; otherwise it runs after the prompts before it.
func (o *Orchestrator) SubmitPrompt(_ context.Context, localID, text string, opts engine.Options) (*queue.Request, error) {
	rt, err := o.lookup(localID)
	if err != nil {
		return nil, err
	}
	if rt.project.IsZero() {
		return nil, &ValidationError{Field: "project", Reason: "no project selected"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "prompt is empty"}
	}

	req := queue.NewRequest(uuid.NewString(), text, opts)
	admission, err := rt.enqueue(req)
	if err != nil {
		return nil, err
	}
	rt.logger.Debug("prompt submitted", "request_id", req.ID, "admission", admission.String())
	if admission == queue.RunNow {
		rt.launch(req)
	}
	return req, nil
}

// Cancel asks the running prompt to stop. The prompt is released when its
// terminal event arrives; queued prompts are kept.
func (o *Orchestrator) Cancel(localID string) error {
	rt, err := o.lookup(localID)
	if err != nil {
		return err
	}
	return rt.cancel()
}

// Subscribe streams the session's routed events until ctx ends or the
// session closes.
func (o *Orchestrator) Subscribe(ctx context.Context, localID string) (<-chan agentstream.Envelope, error) {
	rt, err := o.lookup(localID)
	if err != nil {
		return nil, err
	}
	return rt.broker.Subscribe(ctx), nil
}

// Session returns a snapshot of one session.
func (o *Orchestrator) Session(localID string) (Session, error) {
	rt, err := o.lookup(localID)
	if err != nil {
		return Session{}, err
	}
	return rt.snapshot(), nil
}

// Sessions returns snapshots of every open session, oldest first.
func (o *Orchestrator) Sessions() []Session {
	o.mu.RLock()
	out := make([]Session, 0, len(o.sessions))
	for _, rt := range o.sessions {
		out = append(out, rt.snapshot())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Prompts lists the session's prompts and whether each can be reverted.
func (o *Orchestrator) Prompts(ctx context.Context, localID string) ([]checkpoint.PromptInfo, error) {
	rt, err := o.lookup(localID)
	if err != nil {
		return nil, err
	}
	return rt.recorder.Prompts(ctx)
}

// Changes returns the file changes recorded for the session so far.
func (o *Orchestrator) Changes(localID string) ([]changes.Record, error) {
	rt, err := o.lookup(localID)
	if err != nil {
		return nil, err
	}
	if rt.tracker == nil {
		return nil, nil
	}
	return rt.tracker.Records(), nil
}

// CloseSession fails queued prompts, cancels the running one and waits
// until its checkpoint and file changes are recorded or ctx ends.
func (o *Orchestrator) CloseSession(ctx context.Context, localID string) error {
	o.mu.Lock()
	rt, ok := o.sessions[localID]
	delete(o.sessions, localID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, localID)
	}
	err := rt.close(ctx)
	o.logger.Info("session closed", "local_id", localID, "error", err)
	return err
}

// Close closes every session.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := o.CloseSession(ctx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
