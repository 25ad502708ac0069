package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// memStore is an in-memory Store that logs operations and can fail them.
type memStore struct {
	failAppend   error
	failComplete error
	cps          map[cpKey]Checkpoint
	ops          []string
	mu           sync.Mutex
}

func newMemStore() *memStore { return &memStore{cps: make(map[cpKey]Checkpoint)} }

func (m *memStore) Append(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, fmt.Sprintf("append %s/%d", cp.BackendSessionID, cp.PromptIndex))
	if m.failAppend != nil {
		return m.failAppend
	}
	k := cpKey{cp.BackendSessionID, cp.PromptIndex}
	if _, ok := m.cps[k]; ok {
		return ErrDuplicate
	}
	m.cps[k] = cp
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, index int, at time.Time, status agentstream.CompletionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, fmt.Sprintf("complete %s/%d", id, index))
	if m.failComplete != nil {
		return m.failComplete
	}
	k := cpKey{id, index}
	cp, ok := m.cps[k]
	if !ok {
		return ErrNotFound
	}
	cp.CompletedAt = &at
	cp.Status = status
	m.cps[k] = cp
	return nil
}

func (m *memStore) List(_ context.Context, id string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Checkpoint
	for k, cp := range m.cps {
		if k.backendID == id {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PromptIndex < out[j].PromptIndex })
	return out, nil
}

func (m *memStore) NextPromptIndex(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	for k := range m.cps {
		if k.backendID == id && k.index >= next {
			next = k.index + 1
		}
	}
	return next, nil
}

func (m *memStore) get(id string, index int) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[cpKey{id, index}]
	return cp, ok
}

func (m *memStore) opLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func env(seq int64, kind agentstream.EventKind, text string) agentstream.Envelope {
	return agentstream.Envelope{Seq: seq, Event: agentstream.Event{Kind: kind, Text: text}}
}

func wait(t *testing.T, h *Handle) (Checkpoint, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cp, err := h.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "handle did not resolve")
	return cp, err
}

func TestRecorder_KnownIdentityMatchesUserMessage(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, ResolvedIdentity("S1"), WithEngine("claude"))
	defer r.Close()

	h := r.RecordSent(context.Background(), "fix bug")
	r.Observe(env(5, agentstream.KindInit, ""))
	r.Observe(env(6, agentstream.KindUserMessage, "please fix bug"))

	cp, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, 0, cp.PromptIndex)
	assert.Equal(t, "S1", cp.BackendSessionID)
	assert.EqualValues(t, 6, cp.ConversationMarker)
	assert.False(t, cp.Unmatched)
	assert.Equal(t, "claude", cp.Engine)

	require.NoError(t, r.RecordCompleted(context.Background(), h, agentstream.StatusSuccess))
	stored, ok := store.get("S1", 0)
	require.True(t, ok)
	require.NotNil(t, stored.CompletedAt)
	assert.False(t, stored.CompletedAt.Before(stored.SentAt))
}

func TestRecorder_DeferredUntilIdentity(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id := NewIdentity()
	r := NewRecorder(store, id)
	defer r.Close()

	h := r.RecordSent(context.Background(), "fix bug")
	r.Observe(env(1, agentstream.KindInit, ""))
	r.Observe(env(2, agentstream.KindUserMessage, "fix bug"))
	r.Observe(env(3, agentstream.KindText, "on it"))

	select {
	case <-h.Done():
		t.Fatal("handle resolved before identity")
	case <-time.After(30 * time.Millisecond):
	}

	id.Resolve("S1")
	cp, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, "S1", cp.BackendSessionID)
	assert.EqualValues(t, 2, cp.ConversationMarker)

	idx, err := h.PromptIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestRecorder_CompletionWaitsForDeferredSend(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id := NewIdentity()
	r := NewRecorder(store, id, WithMatchTimeout(time.Hour))
	defer r.Close()

	h := r.RecordSent(context.Background(), "fix bug")
	r.Observe(env(1, agentstream.KindText, "a"))
	r.Observe(env(2, agentstream.KindText, "b"))

	completed := make(chan error, 1)
	go func() {
		completed <- r.RecordCompleted(context.Background(), h, agentstream.StatusSuccess)
	}()
	time.Sleep(20 * time.Millisecond)
	id.Resolve("S1")

	select {
	case err := <-completed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RecordCompleted did not return")
	}
	assert.Equal(t, []string{"append S1/0", "complete S1/0"}, store.opLog())

	cp, _ := store.get("S1", 0)
	assert.True(t, cp.Unmatched)
	assert.EqualValues(t, 1, cp.ConversationMarker)
}

func TestRecorder_UnmatchedFallsBackToInit(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, ResolvedIdentity("S1"), WithMatchTimeout(20*time.Millisecond))
	defer r.Close()

	h := r.RecordSent(context.Background(), "translated prompt")
	r.Observe(env(10, agentstream.KindText, "x"))
	r.Observe(env(11, agentstream.KindInit, ""))
	r.Observe(env(12, agentstream.KindUserMessage, "something else entirely"))

	cp, err := wait(t, h)
	require.NoError(t, err)
	assert.True(t, cp.Unmatched)
	assert.EqualValues(t, 11, cp.ConversationMarker)
}

func TestRecorder_NoIdentityFailsOnCompletion(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, NewIdentity(), WithIdentityGrace(10*time.Millisecond))
	defer r.Close()

	h := r.RecordSent(context.Background(), "fix bug")
	err := r.RecordCompleted(context.Background(), h, agentstream.StatusFailed)
	var rerr *RecordingError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrNoBackend)

	prompts, err := r.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.False(t, prompts[0].CanRevertConversation)
	assert.Equal(t, -1, prompts[0].PromptIndex)
	assert.Contains(t, prompts[0].Reason, "not recorded")
}

func TestRecorder_HandlesResolveInOrder(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id := NewIdentity()
	r := NewRecorder(store, id, WithMatchTimeout(time.Hour))
	defer r.Close()

	h1 := r.RecordSent(context.Background(), "first")
	r.Observe(env(1, agentstream.KindUserMessage, "first"))
	h2 := r.RecordSent(context.Background(), "second")
	r.Observe(env(2, agentstream.KindUserMessage, "second"))
	id.Resolve("S1")

	cp2, err := wait(t, h2)
	require.NoError(t, err)
	select {
	case <-h1.Done():
	default:
		t.Fatal("second handle resolved before the first")
	}
	cp1, err := wait(t, h1)
	require.NoError(t, err)
	assert.Equal(t, 0, cp1.PromptIndex)
	assert.Equal(t, 1, cp2.PromptIndex)
	assert.EqualValues(t, 1, cp1.ConversationMarker)
	assert.EqualValues(t, 2, cp2.ConversationMarker)
}

func initEnv(seq int64, sessionID string) agentstream.Envelope {
	e := env(seq, agentstream.KindInit, "")
	e.SessionID = sessionID
	return e
}

func TestRecorder_RekeyingUsesEachRunsInit(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	id := NewIdentity()
	r := NewRecorder(store, id, WithRekeying(true), WithIdentityGrace(10*time.Millisecond))
	defer r.Close()
	ctx := context.Background()

	h1 := r.RecordSent(ctx, "one")
	r.Observe(initEnv(1, "S1"))
	id.Resolve("S1")
	r.Observe(env(2, agentstream.KindUserMessage, "one"))
	require.NoError(t, r.RecordCompleted(ctx, h1, agentstream.StatusSuccess))

	// The resumed run reports a new id; the session identity still says S1.
	h2 := r.RecordSent(ctx, "two")
	r.Observe(initEnv(3, "S2"))
	r.Observe(env(4, agentstream.KindUserMessage, "two"))
	require.NoError(t, r.RecordCompleted(ctx, h2, agentstream.StatusSuccess))

	cp1, err := wait(t, h1)
	require.NoError(t, err)
	cp2, err := wait(t, h2)
	require.NoError(t, err)
	assert.Equal(t, "S1", cp1.BackendSessionID)
	assert.Equal(t, 0, cp1.PromptIndex)
	assert.Equal(t, "S2", cp2.BackendSessionID)
	assert.Equal(t, 0, cp2.PromptIndex)
	assert.EqualValues(t, 4, cp2.ConversationMarker)

	// A run that never reports an id falls back to the session's.
	h3 := r.RecordSent(ctx, "three")
	require.NoError(t, r.RecordCompleted(ctx, h3, agentstream.StatusFailed))
	cp3, err := wait(t, h3)
	require.NoError(t, err)
	assert.Equal(t, "S1", cp3.BackendSessionID)
	assert.Equal(t, 1, cp3.PromptIndex)
}

func TestRecorder_RekeyingIgnoresInitOfCompletedPrompt(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, NewIdentity(), WithRekeying(true), WithIdentityGrace(10*time.Millisecond))
	defer r.Close()
	ctx := context.Background()

	h1 := r.RecordSent(ctx, "one")
	err := r.RecordCompleted(ctx, h1, agentstream.StatusFailed)
	require.ErrorIs(t, err, ErrNoBackend)

	h2 := r.RecordSent(ctx, "two")
	r.Observe(initEnv(1, "S7"))
	r.Observe(env(2, agentstream.KindUserMessage, "two"))
	cp, err := wait(t, h2)
	require.NoError(t, err)
	assert.Equal(t, "S7", cp.BackendSessionID)
}

func TestRecorder_RecordCompletedIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, ResolvedIdentity("S1"))
	defer r.Close()

	h := r.RecordSent(context.Background(), "p")
	r.Observe(env(1, agentstream.KindUserMessage, "p"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.RecordCompleted(context.Background(), h, agentstream.StatusSuccess))
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"append S1/0", "complete S1/0"}, store.opLog())
}

func TestRecorder_AppendFailureDegradesRewind(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.failAppend = errors.New("disk full")
	r := NewRecorder(store, ResolvedIdentity("S1"))
	defer r.Close()

	h := r.RecordSent(context.Background(), "p1")
	r.Observe(env(1, agentstream.KindUserMessage, "p1"))
	_, err := wait(t, h)
	var rerr *RecordingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "append", rerr.Op)

	// The index is still usable for attributing file changes.
	idx, err := h.PromptIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	store.mu.Lock()
	store.failAppend = nil
	store.mu.Unlock()
	h2 := r.RecordSent(context.Background(), "p2")
	r.Observe(env(2, agentstream.KindUserMessage, "p2"))
	cp2, err := wait(t, h2)
	require.NoError(t, err)
	assert.Equal(t, 1, cp2.PromptIndex, "failed index must not be reused")
	require.NoError(t, r.RecordCompleted(context.Background(), h2, agentstream.StatusSuccess))

	prompts, err := r.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "p1", prompts[0].Prompt)
	assert.False(t, prompts[0].CanRevertConversation)
	assert.Contains(t, prompts[0].Reason, "disk full")
	assert.Equal(t, "p2", prompts[1].Prompt)
	assert.True(t, prompts[1].CanRevertConversation)
}

func TestRecorder_CompletionFailureIsReported(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	r := NewRecorder(store, ResolvedIdentity("S1"))
	defer r.Close()

	h := r.RecordSent(context.Background(), "p")
	r.Observe(env(1, agentstream.KindUserMessage, "p"))
	store.mu.Lock()
	store.failComplete = errors.New("locked")
	store.mu.Unlock()

	err := r.RecordCompleted(context.Background(), h, agentstream.StatusSuccess)
	var rerr *RecordingError
	require.ErrorAs(t, err, &rerr)

	prompts, err := r.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.False(t, prompts[0].CanRevertConversation)
	assert.Contains(t, prompts[0].Reason, "locked")
}

type fakeSnapshotter struct {
	err  error
	pins []string
	mu   sync.Mutex
}

func (f *fakeSnapshotter) Snapshot(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "c0ffee", nil
}

func (f *fakeSnapshotter) Pin(_ context.Context, _, ref, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, name+"="+ref)
	return nil
}

func TestRecorder_Snapshots(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	snap := &fakeSnapshotter{}
	r := NewRecorder(store, ResolvedIdentity("S1"), WithSnapshotter(snap, "/project"))
	defer r.Close()

	h := r.RecordSent(context.Background(), "p")
	r.Observe(env(1, agentstream.KindUserMessage, "p"))
	require.NoError(t, r.RecordCompleted(context.Background(), h, agentstream.StatusSuccess))

	cp, _ := store.get("S1", 0)
	assert.Equal(t, "c0ffee", cp.FileSnapshotRef)
	snap.mu.Lock()
	assert.Equal(t, []string{"S1/0=c0ffee"}, snap.pins)
	snap.mu.Unlock()

	prompts, err := r.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.True(t, prompts[0].CanRevertFiles)

	snap.err = errors.New("not a repo")
	h2 := r.RecordSent(context.Background(), "q")
	r.Observe(env(2, agentstream.KindUserMessage, "q"))
	require.NoError(t, r.RecordCompleted(context.Background(), h2, agentstream.StatusSuccess))
	prompts, err = r.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.True(t, prompts[1].CanRevertConversation)
	assert.False(t, prompts[1].CanRevertFiles)
	assert.Contains(t, prompts[1].Reason, "not a repo")
}

func TestRecorder_CloseAbandonsPending(t *testing.T) {
	t.Parallel()
	r := NewRecorder(newMemStore(), NewIdentity())
	h := r.RecordSent(context.Background(), "p")
	r.Close()

	_, err := wait(t, h)
	assert.ErrorIs(t, err, ErrClosed)

	h2 := r.RecordSent(context.Background(), "late")
	_, err = wait(t, h2)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchesPrompt(t *testing.T) {
	t.Parallel()
	assert.True(t, matchesPrompt("fix bug", "please fix  bug now"))
	assert.True(t, matchesPrompt("fix the\nflaky test in ci", "fix the flaky test"))
	assert.False(t, matchesPrompt("fix bug", "add feature"))
	assert.False(t, matchesPrompt("fix bug", ""))
	assert.False(t, matchesPrompt("  ", "x"))
}
