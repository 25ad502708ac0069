package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/internal/fsutil"
)

// DefaultMatchTimeout bounds the wait for a transcript event matching the
// submitted prompt.
const DefaultMatchTimeout = 3 * time.Second

const (
	defaultSnapshotTimeout = 30 * time.Second
	defaultIdentityGrace   = 2 * time.Second
)

// Handle is the pending checkpoint of one prompt. It resolves once the
// backend identity is known, the transcript marker is chosen, and the
// checkpoint is appended (or failed to be).
type Handle struct {
	sentAt      time.Time
	done        chan struct{}
	matched     chan struct{}
	firstSeen   chan struct{}
	completing  chan struct{}
	inited      chan struct{}
	prev        *Handle
	err         error
	completeErr error
	snapshotErr error
	text        string
	snapshotRef string
	cp          Checkpoint
	// initID is the id reported by the prompt's own init. Set before
	// inited is closed.
	initID string
	// Guarded by Recorder.mu.
	marker       int64
	firstSeq     int64
	initSeq      int64
	closing      bool
	sawFirst     bool
	isMatched    bool
	indexed      bool
	completeOnce sync.Once
}

func newHandle(text string, sentAt time.Time) *Handle {
	return &Handle{
		sentAt:     sentAt,
		done:       make(chan struct{}),
		matched:    make(chan struct{}),
		firstSeen:  make(chan struct{}),
		completing: make(chan struct{}),
		inited:     make(chan struct{}),
		text:       text,
	}
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait returns the recorded checkpoint, or the RecordingError that kept it
// from being recorded.
func (h *Handle) Wait(ctx context.Context) (Checkpoint, error) {
	select {
	case <-h.done:
		return h.cp, h.err
	case <-ctx.Done():
		return Checkpoint{}, ctx.Err()
	}
}

// PromptIndex waits for the handle and returns the prompt index. An index
// is available even if the append failed, as long as it was allocated.
func (h *Handle) PromptIndex(ctx context.Context) (int, error) {
	cp, err := h.Wait(ctx)
	if ctx.Err() != nil {
		return -1, err
	}
	if h.indexed {
		return cp.PromptIndex, nil
	}
	return -1, err
}

// BackendSessionID waits for the handle and returns the session the
// checkpoint belongs to.
func (h *Handle) BackendSessionID(ctx context.Context) (string, error) {
	cp, err := h.Wait(ctx)
	if cp.BackendSessionID != "" {
		return cp.BackendSessionID, nil
	}
	return "", err
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithMatchTimeout sets how long to wait for a matching transcript event.
func WithMatchTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.matchTimeout = d
		}
	}
}

// WithIdentityGrace sets how long a completed prompt still waits for the
// backend identity before its checkpoint is abandoned.
func WithIdentityGrace(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.identityGrace = d
		}
	}
}

// WithSnapshotter enables working tree snapshots of projectDir.
func WithSnapshotter(s Snapshotter, projectDir string) RecorderOption {
	return func(r *Recorder) {
		r.snapshotter = s
		r.projectDir = projectDir
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithEngine labels checkpoints with the engine name.
func WithEngine(name string) RecorderOption {
	return func(r *Recorder) { r.engine = name }
}

// WithRekeying makes each checkpoint belong to the backend id reported by
// its own run's init, for engines that report a new id on every resume.
func WithRekeying(on bool) RecorderOption {
	return func(r *Recorder) { r.rekeying = on }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

type cpKey struct {
	backendID string
	index     int
}

// Recorder attributes one checkpoint to each prompt of a session.
type Recorder struct {
	store         Store
	snapshotter   Snapshotter
	identity      *Identity
	logger        *slog.Logger
	now           func() time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	last          *Handle
	completed     map[cpKey]bool
	nextIndex     map[string]int
	projectDir    string
	engine        string
	pending       []*Handle
	unkeyed       []*Handle
	handles       []*Handle
	sessions      []string
	wg            sync.WaitGroup
	matchTimeout  time.Duration
	identityGrace time.Duration
	mu            sync.Mutex
	closed        bool
	rekeying      bool
}

// NewRecorder returns a recorder for the session whose backend id is
// identity.
func NewRecorder(store Store, identity *Identity, opts ...RecorderOption) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:         store,
		identity:      identity,
		logger:        slog.Default(),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		completed:     make(map[cpKey]bool),
		nextIndex:     make(map[string]int),
		matchTimeout:  DefaultMatchTimeout,
		identityGrace: defaultIdentityGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "checkpoint")
	if id, ok := identity.Peek(); ok {
		r.sessions = append(r.sessions, id)
	}
	return r
}

// RecordSent starts the checkpoint of a prompt that is about to be sent.
// The working tree snapshot is taken before it returns, so call it before
// launching the engine. The handle resolves in submission order.
func (r *Recorder) RecordSent(ctx context.Context, text string) *Handle {
	h := newHandle(text, r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.err = &RecordingError{Op: "record", PromptIndex: -1, Cause: ErrClosed}
		close(h.done)
		return h
	}
	h.prev = r.last
	r.last = h
	r.pending = append(r.pending, h)
	if r.rekeying {
		r.unkeyed = append(r.unkeyed, h)
	}
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	h.snapshotRef, h.snapshotErr = r.snapshot(ctx)

	r.wg.Add(1)
	go r.resolve(h)
	return h
}

func (r *Recorder) snapshot(ctx context.Context) (string, error) {
	if r.snapshotter == nil || r.projectDir == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultSnapshotTimeout)
	defer cancel()
	ref, err := r.snapshotter.Snapshot(ctx, r.projectDir)
	if err != nil {
		r.logger.Warn("working tree snapshot failed", "dir", r.projectDir, "error", err)
		return "", err
	}
	return ref, nil
}

func (r *Recorder) resolve(h *Handle) {
	defer r.wg.Done()

	if h.prev != nil {
		select {
		case <-h.prev.done:
		case <-r.ctx.Done():
			r.fail(h, &RecordingError{Op: "record", PromptIndex: -1, Cause: ErrClosed})
			return
		}
	}

	backendID, err := r.awaitIdentity(h)
	if err != nil {
		r.fail(h, &RecordingError{Op: "record", PromptIndex: -1, Cause: err})
		return
	}

	marker, unmatched, reason := r.awaitMarker(h)

	index, err := r.allocateIndex(backendID)
	if err != nil {
		r.fail(h, &RecordingError{Op: "allocate", BackendSessionID: backendID, PromptIndex: -1, Cause: err})
		return
	}

	cp := Checkpoint{
		SentAt:             h.sentAt,
		BackendSessionID:   backendID,
		Engine:             r.engine,
		Prompt:             h.text,
		FileSnapshotRef:    h.snapshotRef,
		PromptIndex:        index,
		ConversationMarker: marker,
		Unmatched:          unmatched,
	}
	if h.snapshotErr != nil {
		cp.SnapshotError = h.snapshotErr.Error()
	}
	r.mu.Lock()
	h.cp = cp
	h.indexed = true
	r.mu.Unlock()

	if unmatched {
		r.logger.Warn("checkpoint recorded without a matching prompt event", "warning", UnmatchedCheckpointWarning{
			BackendSessionID: backendID,
			PromptIndex:      index,
			Anchor:           marker,
			Reason:           reason,
		})
	}

	if err := r.store.Append(r.ctx, cp); err != nil {
		r.fail(h, &RecordingError{Op: "append", BackendSessionID: backendID, PromptIndex: index, Cause: err})
		return
	}
	r.noteSession(backendID)

	if cp.FileSnapshotRef != "" {
		name := fsutil.SanitizeName(backendID) + "/" + fmt.Sprint(index)
		if err := r.snapshotter.Pin(r.ctx, r.projectDir, cp.FileSnapshotRef, name); err != nil {
			r.logger.Warn("failed to pin working tree snapshot", "ref", cp.FileSnapshotRef, "error", err)
		}
	}

	r.logger.Debug("checkpoint recorded", "backend_session_id", backendID, "prompt_index", index, "marker", marker)
	close(h.done)
}

func (r *Recorder) fail(h *Handle, err *RecordingError) {
	r.dropUnkeyed(h)
	r.mu.Lock()
	r.removePendingLocked(h)
	h.err = err
	r.mu.Unlock()
	r.logger.Error("checkpoint not recorded", "error", err)
	close(h.done)
}

func (r *Recorder) awaitIdentity(h *Handle) (string, error) {
	if r.rekeying {
		return r.awaitOwnIdentity(h)
	}
	select {
	case <-r.identity.Done():
		id, _ := r.identity.Peek()
		return id, nil
	case <-h.completing:
	case <-r.ctx.Done():
		return "", ErrClosed
	}

	// The router reports the identity before delivering the init event, so
	// a run that completes unidentified almost certainly never had one.
	grace := time.NewTimer(r.identityGrace)
	defer grace.Stop()
	select {
	case <-r.identity.Done():
		id, _ := r.identity.Peek()
		return id, nil
	case <-grace.C:
		return "", ErrNoBackend
	case <-r.ctx.Done():
		return "", ErrClosed
	}
}

// awaitOwnIdentity waits for the init of the prompt's own run. The session
// identity may still name the previous run, so it is used only when the
// run completes without reporting an id.
func (r *Recorder) awaitOwnIdentity(h *Handle) (string, error) {
	defer r.dropUnkeyed(h)
	select {
	case <-h.inited:
		return h.initID, nil
	case <-h.completing:
	case <-r.ctx.Done():
		return "", ErrClosed
	}

	grace := time.NewTimer(r.identityGrace)
	defer grace.Stop()
	select {
	case <-h.inited:
		return h.initID, nil
	case <-grace.C:
	case <-r.ctx.Done():
		return "", ErrClosed
	}
	if id, ok := r.identity.Peek(); ok {
		r.logger.Warn("run reported no session id, using the session's last one", "backend_session_id", id)
		return id, nil
	}
	return "", ErrNoBackend
}

func (r *Recorder) dropUnkeyed(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.unkeyed {
		if p == h {
			r.unkeyed = append(r.unkeyed[:i], r.unkeyed[i+1:]...)
			return
		}
	}
}

// awaitMarker waits for a transcript event matching the prompt and falls
// back to the run's first init event, or first event, when none matches
// in time.
func (r *Recorder) awaitMarker(h *Handle) (marker int64, unmatched bool, reason string) {
	wait := r.matchTimeout - r.now().Sub(h.sentAt)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-h.matched:
		return r.matchedMarker(h), false, ""
	case <-timer.C:
		reason = "no matching user message within " + r.matchTimeout.String()
	case <-h.completing:
		reason = "run completed without a matching user message"
	case <-r.ctx.Done():
		reason = "recorder closed"
	}

	select {
	case <-h.matched:
		return r.matchedMarker(h), false, ""
	default:
	}

	select {
	case <-h.firstSeen:
	case <-h.completing:
	case <-r.ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h.isMatched {
		return h.marker, false, ""
	}
	r.removePendingLocked(h)
	if h.initSeq > 0 {
		return h.initSeq, true, reason
	}
	return h.firstSeq, true, reason
}

func (r *Recorder) matchedMarker(h *Handle) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.marker
}

func (r *Recorder) allocateIndex(backendID string) (int, error) {
	next, err := r.store.NextPromptIndex(r.ctx, backendID)
	if err != nil {
		return -1, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Indexes of failed appends are never reused.
	if n := r.nextIndex[backendID]; n > next {
		next = n
	}
	r.nextIndex[backendID] = next + 1
	return next, nil
}

func (r *Recorder) noteSession(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sessions {
		if id == backendID {
			return
		}
	}
	r.sessions = append(r.sessions, backendID)
}

func (r *Recorder) removePendingLocked(h *Handle) {
	for i, p := range r.pending {
		if p == h {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Observe feeds a delivered transcript event to the prompt matcher. Call
// it for every envelope of the session, in order.
func (r *Recorder) Observe(env agentstream.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Kind == agentstream.KindInit && env.SessionID != "" {
		keep := r.unkeyed[:0]
		for _, h := range r.unkeyed {
			if h.closing {
				keep = append(keep, h)
				continue
			}
			h.initID = env.SessionID
			close(h.inited)
		}
		clear(r.unkeyed[len(keep):])
		r.unkeyed = keep
	}

	for _, h := range r.pending {
		if h.closing {
			continue
		}
		if !h.sawFirst {
			h.sawFirst = true
			h.firstSeq = env.Seq
			close(h.firstSeen)
		}
		if env.Kind == agentstream.KindInit && h.initSeq == 0 {
			h.initSeq = env.Seq
		}
	}

	if env.Kind != agentstream.KindUserMessage {
		return
	}
	for _, h := range r.pending {
		if h.closing || h.isMatched || !matchesPrompt(h.text, env.Text) {
			continue
		}
		h.marker = env.Seq
		h.isMatched = true
		close(h.matched)
		r.removePendingLocked(h)
		return
	}
}

// matchesPrompt is a best-effort hint: middleware may truncate or rewrite
// prompts, so either text containing the other counts as a match.
func matchesPrompt(prompt, event string) bool {
	p := strings.Join(strings.Fields(prompt), " ")
	e := strings.Join(strings.Fields(event), " ")
	if p == "" || e == "" {
		return false
	}
	return strings.Contains(e, p) || strings.Contains(p, e)
}

// RecordCompleted marks the prompt of h completed. It waits for h, so the
// completion is always written after the checkpoint it completes. A second
// call for the same prompt is a no-op.
func (r *Recorder) RecordCompleted(ctx context.Context, h *Handle, status agentstream.CompletionStatus) error {
	if h == nil {
		return errors.New("checkpoint: nil handle")
	}
	r.mu.Lock()
	h.closing = true
	r.mu.Unlock()
	h.completeOnce.Do(func() { close(h.completing) })

	cp, err := h.Wait(ctx)
	if err != nil {
		return err
	}

	key := cpKey{cp.BackendSessionID, cp.PromptIndex}
	r.mu.Lock()
	if r.completed[key] {
		r.mu.Unlock()
		return nil
	}
	r.completed[key] = true
	r.mu.Unlock()

	at := r.now()
	if at.Before(cp.SentAt) {
		at = cp.SentAt
	}
	if status == "" {
		status = agentstream.StatusSuccess
	}
	if err := r.store.MarkCompleted(ctx, cp.BackendSessionID, cp.PromptIndex, at, status); err != nil {
		rerr := &RecordingError{Op: "complete", BackendSessionID: cp.BackendSessionID, PromptIndex: cp.PromptIndex, Cause: err}
		r.logger.Error("checkpoint completion not recorded", "error", rerr)
		r.mu.Lock()
		delete(r.completed, key)
		h.completeErr = rerr
		r.mu.Unlock()
		return rerr
	}

	r.mu.Lock()
	h.completeErr = nil
	r.mu.Unlock()
	return nil
}

// PromptInfo is one prompt as offered to rewind.
type PromptInfo struct {
	SentAt           time.Time
	CompletedAt      *time.Time
	BackendSessionID string
	Prompt           string
	// Reason explains why a revert is unavailable.
	Reason                string
	PromptIndex           int
	CanRevertConversation bool
	CanRevertFiles        bool
	Unmatched             bool
}

// Prompts lists the prompts of every backend session this recorder has
// written to, including prompts from earlier runs of a resumed session,
// and reports what can be reverted for each.
func (r *Recorder) Prompts(ctx context.Context) ([]PromptInfo, error) {
	r.mu.Lock()
	sessions := append([]string(nil), r.sessions...)
	type local struct {
		err         error
		completeErr error
		cp          Checkpoint
		text        string
		sentAt      time.Time
		indexed     bool
		done        bool
	}
	var locals []local
	for _, h := range r.handles {
		l := local{text: h.text, sentAt: h.sentAt, cp: h.cp, indexed: h.indexed, completeErr: h.completeErr}
		select {
		case <-h.done:
			l.done = true
			l.err = h.err
		default:
		}
		locals = append(locals, l)
	}
	r.mu.Unlock()

	var out []PromptInfo
	seen := make(map[cpKey]int)
	for _, id := range sessions {
		cps, err := r.store.List(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints of %s: %w", id, err)
		}
		for _, cp := range cps {
			seen[cpKey{cp.BackendSessionID, cp.PromptIndex}] = len(out)
			out = append(out, r.promptInfo(cp))
		}
	}

	for _, l := range locals {
		switch {
		case !l.done:
			out = append(out, PromptInfo{
				SentAt:      l.sentAt,
				Prompt:      l.text,
				PromptIndex: -1,
				Reason:      "checkpoint is still being recorded",
			})
		case l.err != nil:
			info := PromptInfo{SentAt: l.sentAt, Prompt: l.text, PromptIndex: -1, Reason: "checkpoint was not recorded: " + l.err.Error()}
			if l.indexed {
				info.PromptIndex = l.cp.PromptIndex
				info.BackendSessionID = l.cp.BackendSessionID
			}
			out = append(out, info)
		case l.completeErr != nil:
			if i, ok := seen[cpKey{l.cp.BackendSessionID, l.cp.PromptIndex}]; ok {
				out[i].CanRevertConversation = false
				out[i].CanRevertFiles = false
				out[i].Reason = "completion was not recorded: " + l.completeErr.Error()
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (r *Recorder) promptInfo(cp Checkpoint) PromptInfo {
	info := PromptInfo{
		SentAt:           cp.SentAt,
		CompletedAt:      cp.CompletedAt,
		BackendSessionID: cp.BackendSessionID,
		Prompt:           cp.Prompt,
		PromptIndex:      cp.PromptIndex,
		Unmatched:        cp.Unmatched,
	}
	if !cp.Completed() {
		info.Reason = "prompt has not completed"
		return info
	}
	info.CanRevertConversation = true
	switch {
	case cp.FileSnapshotRef != "":
		info.CanRevertFiles = true
	case cp.SnapshotError != "":
		info.Reason = "no file snapshot: " + cp.SnapshotError
	case r.snapshotter != nil:
		info.Reason = "no file snapshot"
	}
	return info
}

// Close abandons pending handles and waits for their workers.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
