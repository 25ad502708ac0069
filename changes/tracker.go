package changes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

const (
	// DefaultResultFallback is how long the tracker waits for the result
	// of a tool that may never report one.
	DefaultResultFallback = 3 * time.Second

	maxContentBytes = 8 << 20
)

// PromptRef identifies the prompt that changes are attributed to. It is
// satisfied by *checkpoint.Handle; both methods block until the prompt's
// checkpoint is resolved.
type PromptRef interface {
	PromptIndex(ctx context.Context) (int, error)
	BackendSessionID(ctx context.Context) (string, error)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithResultFallback sets how long to wait for a tool flagged as possibly
// missing its result before finalizing it from disk.
func WithResultFallback(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.fallback = d
		}
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// pendingChange is one file of one tool invocation between tool start and
// finalization.
type pendingChange struct {
	createdAt  time.Time
	ref        PromptRef
	mutation   *agentstream.FileMutation
	timer      *time.Timer
	preReady   chan struct{}
	preContent *string
	invocation string
	toolID     string
	toolName   string
	rawPath    string
	relPath    string
	absPath    string
	source     Source
}

type finalization struct {
	done chan struct{}
	err  error
}

// Tracker turns tool events into file change records. Each tool
// invocation id is finalized at most once, whether by its result, by the
// fallback timer, or by a repeated result event.
type Tracker struct {
	now        func() time.Time
	store      Store
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	current    PromptRef
	pending    map[string]*pendingChange
	seen       map[string]struct{}
	projectDir string
	inflight   []*finalization
	records    []Record
	fallback   time.Duration
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// NewTracker creates a tracker for files under projectDir.
func NewTracker(store Store, projectDir string, opts ...TrackerOption) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		now:        time.Now,
		store:      store,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]*pendingChange),
		seen:       make(map[string]struct{}),
		projectDir: projectDir,
		fallback:   DefaultResultFallback,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BeginPrompt attributes subsequent tool starts to ref.
func (t *Tracker) BeginPrompt(ref PromptRef) {
	t.mu.Lock()
	t.current = ref
	t.mu.Unlock()
}

// Observe feeds one routed event to the tracker.
func (t *Tracker) Observe(env agentstream.Envelope) {
	for _, tool := range env.Tools {
		if tool == nil {
			continue
		}
		switch env.Kind {
		case agentstream.KindToolStart:
			t.toolStarted(tool)
		case agentstream.KindToolEnd:
			t.toolEnded(tool)
		}
	}
}

func invocationID(tool *agentstream.ToolCall, rel string) string {
	if len(tool.Mutation.Paths) == 1 {
		return tool.ID
	}
	return tool.ID + ":" + rel
}

func sourceOf(tool *agentstream.ToolCall) Source {
	if _, ok := tool.Input["command"]; ok {
		return SourceCommand
	}
	return SourceTool
}

func (t *Tracker) newPending(tool *agentstream.ToolCall, rawPath string, ref PromptRef) *pendingChange {
	rel := NormalizePath(t.projectDir, rawPath)
	return &pendingChange{
		createdAt:  t.now(),
		ref:        ref,
		mutation:   tool.Mutation,
		preReady:   make(chan struct{}),
		invocation: invocationID(tool, rel),
		toolID:     tool.ID,
		toolName:   tool.Name,
		rawPath:    rawPath,
		relPath:    rel,
		absPath:    absPath(t.projectDir, rawPath),
		source:     sourceOf(tool),
	}
}

func (t *Tracker) toolStarted(tool *agentstream.ToolCall) {
	if tool.Mutation == nil || len(tool.Mutation.Paths) == 0 || tool.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.current == nil {
		t.logger.Debug("file mutation outside a prompt, not tracked", "tool", tool.Name, "tool_id", tool.ID)
		return
	}
	for _, path := range tool.Mutation.Paths {
		p := t.newPending(tool, path, t.current)
		if _, ok := t.seen[p.invocation]; ok {
			continue
		}
		if _, ok := t.pending[p.invocation]; ok {
			continue
		}
		t.pending[p.invocation] = p

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer close(p.preReady)
			content, ok := t.readContent(p.absPath)
			if !ok && len(tool.Mutation.Paths) == 1 {
				content = tool.Mutation.OldHint
			}
			p.preContent = content
		}()

		if tool.Mutation.MayOmitResult {
			inv := p.invocation
			p.timer = time.AfterFunc(t.fallback, func() {
				t.logger.Debug("tool result did not arrive, finalizing from disk", "invocation", inv)
				t.mu.Lock()
				defer t.mu.Unlock()
				t.finalizeLocked(inv, false)
			})
		}
	}
}

func (t *Tracker) toolEnded(tool *agentstream.ToolCall) {
	if tool.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	found := false
	for inv, p := range t.pending {
		if p.toolID == tool.ID {
			found = true
			t.finalizeLocked(inv, tool.IsError)
		}
	}
	if found || tool.Mutation == nil || len(tool.Mutation.Paths) == 0 || t.current == nil {
		return
	}

	// A result without an observed start. The file has already changed,
	// so only the tool's own hints can stand in for the pre-image.
	for _, path := range tool.Mutation.Paths {
		p := t.newPending(tool, path, t.current)
		if _, ok := t.seen[p.invocation]; ok {
			continue
		}
		if len(tool.Mutation.Paths) == 1 {
			p.preContent = tool.Mutation.OldHint
		}
		close(p.preReady)
		t.pending[p.invocation] = p
		t.finalizeLocked(p.invocation, tool.IsError)
	}
}

// finalizeLocked claims a pending invocation and finishes it in the
// background. It is a no-op for invocations already finalized.
func (t *Tracker) finalizeLocked(inv string, toolErr bool) {
	p, ok := t.pending[inv]
	if !ok {
		return
	}
	delete(t.pending, inv)
	t.seen[inv] = struct{}{}
	if p.timer != nil {
		p.timer.Stop()
	}
	if t.closed {
		return
	}

	f := &finalization{done: make(chan struct{})}
	t.inflight = append(t.inflight, f)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(f.done)
		f.err = t.finalize(t.ctx, p, toolErr)
	}()
}

func (t *Tracker) finalize(ctx context.Context, p *pendingChange, toolErr bool) error {
	select {
	case <-p.preReady:
	case <-ctx.Done():
		return ctx.Err()
	}
	post, ok := t.readContent(p.absPath)
	if !ok && len(p.mutation.Paths) == 1 {
		post = p.mutation.NewHint
	}

	pre := p.preContent
	if sameContent(pre, post) {
		if toolErr {
			t.logger.Debug("failed tool left file unchanged", "path", p.relPath, "invocation", p.invocation)
		}
		return nil
	}

	changeType := p.mutation.OpFor(p.rawPath)
	if changeType == "" {
		changeType = classify(pre, post)
	}
	if changeType == agentstream.ChangeDelete {
		post = nil
	}

	backendID, err := p.ref.BackendSessionID(ctx)
	if err != nil {
		t.logger.Warn("file change not recorded: prompt has no session", "path", p.relPath, "error", err)
		return fmt.Errorf("file change %s: %w", p.invocation, err)
	}
	index, err := p.ref.PromptIndex(ctx)
	if err != nil {
		t.logger.Warn("file change not recorded: prompt has no index", "path", p.relPath, "error", err)
		return fmt.Errorf("file change %s: %w", p.invocation, err)
	}

	diff, added, removed := Diff(p.relPath, pre, post)
	rec := Record{
		CreatedAt:        p.createdAt,
		OldContent:       pre,
		NewContent:       post,
		ID:               uuid.NewString(),
		BackendSessionID: backendID,
		FilePath:         p.relPath,
		ToolInvocationID: p.invocation,
		ToolName:         p.toolName,
		Source:           p.source,
		UnifiedDiff:      diff,
		ChangeType:       changeType,
		PromptIndex:      index,
		LinesAdded:       added,
		LinesRemoved:     removed,
	}
	if err := t.store.Save(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			t.logger.Debug("file change already recorded", "invocation", p.invocation)
			return nil
		}
		t.logger.Error("failed to save file change", "path", p.relPath, "error", err)
		return fmt.Errorf("save file change %s: %w", p.invocation, err)
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
	t.logger.Debug("file change recorded", "path", rec.FilePath, "change", rec.ChangeType,
		"prompt_index", rec.PromptIndex, "added", added, "removed", removed)
	return nil
}

func classify(pre, post *string) agentstream.ChangeOp {
	switch {
	case pre == nil:
		return agentstream.ChangeCreate
	case post == nil:
		return agentstream.ChangeDelete
	default:
		return agentstream.ChangeUpdate
	}
}

func sameContent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// readContent reads a file for a before or after image. ok is false when
// the file is missing or unreadable, so the caller can fall back to hints.
func (t *Tracker) readContent(path string) (content *string, ok bool) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false
	case err != nil:
		t.logger.Debug("failed to stat file image", "path", path, "error", err)
		return nil, false
	case !info.Mode().IsRegular():
		t.logger.Debug("file image is not a regular file", "path", path, "mode", info.Mode().String())
		return nil, false
	case info.Size() > maxContentBytes:
		t.logger.Debug("file image too large", "path", path, "size", info.Size())
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Debug("failed to read file image", "path", path, "error", err)
		}
		return nil, false
	}
	s := string(data)
	return &s, true
}

// Flush waits for every finalization started so far and returns the first
// error among them. Finalizations still running when ctx ends are waited
// for again by the next Flush.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	inflight := append([]*finalization(nil), t.inflight...)
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range inflight {
		g.Go(func() error {
			select {
			case <-f.done:
				return f.err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	waited := make(map[*finalization]bool, len(inflight))
	for _, f := range inflight {
		waited[f] = true
	}
	t.mu.Lock()
	kept := t.inflight[:0]
	for _, f := range t.inflight {
		select {
		case <-f.done:
			if waited[f] {
				continue
			}
		default:
		}
		kept = append(kept, f)
	}
	t.inflight = kept
	t.mu.Unlock()
	return err
}

// Records returns the records this tracker has saved, in save order.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Close stops fallback timers, abandons unfinished finalizations and
// waits for background work to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for inv, p := range t.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.pending, inv)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
