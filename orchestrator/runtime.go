package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/changes"
	"github.com/bazelment/yoloswe/rewind/checkpoint"
	"github.com/bazelment/yoloswe/rewind/engine"
	"github.com/bazelment/yoloswe/rewind/pubsub"
	"github.com/bazelment/yoloswe/rewind/queue"
	"github.com/bazelment/yoloswe/rewind/router"
)

// prompt is the in-flight request with everything attached to it.
type prompt struct {
	req      *queue.Request
	handle   *checkpoint.Handle
	run      *engine.Run
	finished chan struct{}
}

// runtime is one open session.
type runtime struct { //nolint:govet // fieldalignment: readability over packing
	openedAt time.Time
	project  engine.ProjectContext
	localID  string
	resumeID string
	adapter  engine.Adapter
	logger   *slog.Logger

	router   *router.Router
	queue    *queue.Queue
	identity *checkpoint.Identity
	recorder *checkpoint.Recorder
	tracker  *changes.Tracker
	broker   *pubsub.Broker[agentstream.Envelope]

	ctx        context.Context
	stop       context.CancelFunc
	pumpDone   chan struct{}
	recordings errgroup.Group

	mu      sync.Mutex
	current *prompt
	closed  bool
}

func (o *Orchestrator) newRuntime(adapter engine.Adapter, project engine.ProjectContext, resumeID string) (*runtime, error) {
	localID := uuid.NewString()
	caps := adapter.Capabilities()
	logger := o.logger.With("local_id", localID, "engine", adapter.ID())

	// An engine that rekeys on resume reports the id its checkpoints
	// belong to in the first init; otherwise the resumed id is final.
	identity := checkpoint.NewIdentity()
	if resumeID != "" && !caps.RekeysOnResume {
		identity = checkpoint.ResolvedIdentity(resumeID)
	}

	rctx, stop := context.WithCancel(context.Background())
	rt := &runtime{
		openedAt: time.Now(),
		project:  project,
		localID:  localID,
		resumeID: resumeID,
		adapter:  adapter,
		logger:   logger,
		queue:    queue.New(),
		identity: identity,
		broker:   pubsub.NewBroker[agentstream.Envelope](),
		ctx:      rctx,
		stop:     stop,
		pumpDone: make(chan struct{}),
	}

	r, err := router.New(router.Config{
		Transport: o.cfg.Transport,
		Decode:    adapter.Decode,
		OnIdentity: func(backendID, _ string) {
			identity.Resolve(backendID)
		},
		Logger:       logger,
		LocalID:      localID,
		ResumeID:     resumeID,
		Topics:       adapter.Topics(),
		DedupeWindow: o.cfg.DedupeWindow,
	})
	if err != nil {
		stop()
		return nil, err
	}
	if err := r.Start(rctx); err != nil {
		stop()
		return nil, err
	}
	rt.router = r

	recOpts := []checkpoint.RecorderOption{
		checkpoint.WithLogger(logger),
		checkpoint.WithEngine(string(adapter.ID())),
		checkpoint.WithMatchTimeout(o.cfg.MatchTimeout),
		checkpoint.WithIdentityGrace(o.cfg.IdentityGrace),
		checkpoint.WithRekeying(caps.RekeysOnResume),
	}
	if caps.MutatesFiles && o.cfg.Snapshotter != nil && !project.IsZero() {
		recOpts = append(recOpts, checkpoint.WithSnapshotter(o.cfg.Snapshotter, project.Dir))
	}
	rt.recorder = checkpoint.NewRecorder(o.cfg.Checkpoints, identity, recOpts...)

	if caps.MutatesFiles && o.cfg.Changes != nil {
		rt.tracker = changes.NewTracker(o.cfg.Changes, project.Dir,
			changes.WithLogger(logger),
			changes.WithResultFallback(o.cfg.ResultFallback))
	}

	go rt.pump()
	return rt, nil
}

func (rt *runtime) snapshot() Session {
	s := Session{
		OpenedAt:         rt.openedAt,
		Project:          rt.project,
		LocalID:          rt.localID,
		Engine:           rt.adapter.ID(),
		BackendSessionID: rt.router.BackendSessionID(),
		ChannelState:     rt.router.State(),
		Queued:           rt.queue.Len(),
	}
	if req := rt.queue.InFlight(); req != nil {
		s.InFlight = req.ID
	}
	return s
}

func (rt *runtime) enqueue(req *queue.Request) (queue.Admission, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, rt.localID)
	}
	return rt.queue.Enqueue(req), nil
}

// launch records the checkpoint and starts the engine for req, which must
// be the queue's in-flight request.
func (rt *runtime) launch(req *queue.Request) {
	// The checkpoint snapshot is taken before the engine can touch files.
	handle := rt.recorder.RecordSent(rt.ctx, req.Text)
	if rt.tracker != nil {
		rt.tracker.BeginPrompt(handle)
	}
	p := &prompt{req: req, handle: handle, finished: make(chan struct{})}

	rt.mu.Lock()
	rt.current = p
	rt.mu.Unlock()

	ereq := engine.Request{
		Options: req.Options,
		Project: rt.project,
		LocalID: rt.localID,
		Prompt:  req.Text,
	}
	backendID := rt.router.BackendSessionID()
	if backendID == "" {
		backendID = rt.resumeID
	}

	var (
		run *engine.Run
		err error
	)
	if backendID != "" {
		run, err = rt.adapter.Resume(rt.ctx, backendID, ereq)
	} else {
		run, err = rt.adapter.Start(rt.ctx, ereq)
	}
	if err != nil {
		rt.logger.Error("failed to launch engine", "request_id", req.ID, "error", err)
		// Injected from another goroutine so the pump never waits on its
		// own router.
		go rt.injectFailure(err)
		return
	}

	rt.mu.Lock()
	p.run = run
	cancelled := rt.closed
	rt.mu.Unlock()
	rt.logger.Info("prompt started", "request_id", req.ID, "run_id", run.ID, "resumed", run.Resumed, "fell_back", run.FellBack)
	if cancelled {
		_ = rt.adapter.Cancel(run)
	}
}

type launchFailure struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

func (rt *runtime) injectFailure(cause error) {
	ev := agentstream.Event{
		ID:     uuid.NewString(),
		Kind:   agentstream.KindError,
		Status: agentstream.StatusFailed,
		Err:    cause.Error(),
		Final:  true,
	}
	payload, _ := json.Marshal(launchFailure{Type: "launch_failed", EventID: ev.ID, Error: ev.Err})
	if err := rt.router.Inject(ev, payload); err != nil {
		rt.logger.Debug("could not inject launch failure", "error", err)
	}
}

func (rt *runtime) pump() {
	defer close(rt.pumpDone)
	for env := range rt.router.Events() {
		rt.recorder.Observe(env)
		if rt.tracker != nil {
			rt.tracker.Observe(env)
		}
		if err := rt.broker.Publish(env); err != nil && !errors.Is(err, pubsub.ErrShutdown) {
			rt.logger.Debug("failed to publish event", "error", err)
		}
		if env.IsTerminal() {
			rt.finish(env)
		}
	}
}

func terminalStatus(env agentstream.Envelope) agentstream.CompletionStatus {
	switch {
	case env.Succeeded():
		return agentstream.StatusSuccess
	case env.Status == agentstream.StatusCancelled:
		return agentstream.StatusCancelled
	default:
		return agentstream.StatusFailed
	}
}

// finish closes the in-flight prompt on its terminal event and starts the
// next one.
func (rt *runtime) finish(env agentstream.Envelope) {
	rt.mu.Lock()
	p := rt.current
	rt.current = nil
	rt.mu.Unlock()
	if p == nil {
		rt.logger.Debug("terminal event with no prompt in flight", "seq", env.Seq, "kind", env.Kind)
		return
	}
	defer close(p.finished)

	status := terminalStatus(env)
	rt.logger.Info("prompt finished", "request_id", p.req.ID, "status", status, "error", env.Err)
	rt.recordings.Go(func() error {
		if err := rt.recorder.RecordCompleted(rt.ctx, p.handle, status); err != nil {
			rt.logger.Warn("prompt completion not recorded", "request_id", p.req.ID, "error", err)
		}
		return nil
	})

	qs := queue.StatusFailed
	if status == agentstream.StatusSuccess {
		qs = queue.StatusCompleted
	}
	next, err := rt.queue.OnComplete(qs)
	if err != nil {
		rt.logger.Warn("queue out of sync with terminal event", "error", err)
		return
	}
	if next != nil {
		rt.launch(next)
	}
}

func (rt *runtime) cancel() error {
	rt.mu.Lock()
	p := rt.current
	rt.mu.Unlock()
	if p == nil {
		return queue.ErrNothingInFlight
	}
	if p.run == nil {
		// Launching or already failed; the terminal event is on its way.
		return nil
	}
	return rt.adapter.Cancel(p.run)
}

func (rt *runtime) close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionClosed, rt.localID)
	}
	rt.closed = true
	p := rt.current
	rt.mu.Unlock()

	for _, req := range rt.queue.Drain() {
		rt.logger.Info("queued prompt dropped", "request_id", req.ID)
	}

	var waitErr error
	if p != nil {
		if p.run != nil {
			if err := rt.adapter.Cancel(p.run); err != nil {
				rt.logger.Warn("failed to cancel run", "error", err)
			}
		}
		select {
		case <-p.finished:
		case <-ctx.Done():
			waitErr = fmt.Errorf("waiting for the running prompt: %w", ctx.Err())
		}
	}

	rt.router.Close()
	select {
	case <-rt.pumpDone:
	case <-ctx.Done():
		// The pump is stuck publishing to a subscriber that stopped
		// reading; shutting the broker down releases it.
		rt.broker.Shutdown()
		<-rt.pumpDone
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			_ = rt.recordings.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if rt.tracker != nil {
		g.Go(func() error { return rt.tracker.Flush(gctx) })
	}
	err := g.Wait()

	rt.recorder.Close()
	if rt.tracker != nil {
		rt.tracker.Close()
	}
	rt.broker.Shutdown()
	rt.stop()
	return errors.Join(waitErr, err)
}
