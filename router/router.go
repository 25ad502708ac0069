// Package router presents one ordered, deduplicated event stream per
// session while migrating from the engine's generic topics to the topics
// scoped to the backend session id.
//
// A router starts in AwaitingIdentity, listening only on generic topics
// because the backend has not said who it is yet. The first init event
// carrying a backend session id makes it subscribe to the scoped topics and
// switch to Scoped. Generic subscriptions are kept: unsubscribe completion
// is not ordered against in-flight deliveries, so instead of racing it the
// router drops any copy whose dedupe key was already delivered.
//
// Copies that arrive on the scoped topics ahead of the generic copies of
// earlier messages from the same run are held back until the generic
// stream catches up, so switching channels never reorders a run.
//
// Routers are never shared between sessions. Every message stamped with a
// foreign origin is dropped as it arrives, and subscriptions are drained
// into an unbounded backlog so a session whose consumer stalls never holds
// up a topic it shares with others.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazelment/yoloswe/rewind/agentstream"
	"github.com/bazelment/yoloswe/rewind/transport"
)

// DefaultDedupeWindow is the number of recent dedupe keys remembered.
const DefaultDedupeWindow = 4096

const defaultBufferSize = 1024

// Sentinel errors.
var (
	ErrAlreadyStarted = errors.New("router already started")
	ErrClosed         = errors.New("router is closed")
)

// ChannelState is the subscription state of a router.
type ChannelState int32

const (
	// Unscoped is the AwaitingIdentity state: generic topics only.
	Unscoped ChannelState = iota
	// Scoped means a backend session id is known and its topics are live.
	Scoped
)

func (s ChannelState) String() string {
	if s == Scoped {
		return "scoped"
	}
	return "unscoped"
}

// Decoder turns a payload received on topic into an event.
type Decoder func(topic string, payload []byte) (agentstream.Event, error)

// IdentityFunc is called from the router loop when the backend session id
// is first learned (previous is empty) or replaced by a re-init. It must
// not block on the router's output.
type IdentityFunc func(backendID, previous string)

// Config configures a Router.
type Config struct {
	Transport  transport.Transport
	Decode     Decoder
	OnIdentity IdentityFunc
	Logger     *slog.Logger
	// LocalID is the owning session's local id; messages with another
	// non-empty origin are dropped.
	LocalID string
	// ResumeID, when set, scopes the router from the start.
	ResumeID     string
	Topics       transport.Topics
	DedupeWindow int
	BufferSize   int
}

// Stats counts what the router did with inbound messages.
type Stats struct {
	Delivered  int64
	Duplicates int64
	Foreign    int64
	Retired    int64
}

type inbound struct {
	env   agentstream.Envelope
	sub   *subscription
	key   streamKey
	seq   int64
	class channelClass
}

// streamKey names one producer stream: a run's output or error lines.
type streamKey struct {
	run    string
	stream string
}

type subscription struct {
	cancel  context.CancelFunc
	topic   string
	retired atomic.Bool
	class   channelClass
}

// Router is the per-session event channel router.
type Router struct {
	ctx       context.Context
	cfg       Config
	logger    *slog.Logger
	inbox     chan inbound
	out       chan agentstream.Envelope
	window    *dedupeWindow
	cancel    context.CancelFunc
	scoped    []*subscription
	generic   []*subscription
	backendID atomic.Value
	hwm       map[streamKey]int64 // loop goroutine only
	held      map[streamKey][]inbound
	seq       int64
	stats     Stats
	wg        sync.WaitGroup
	mu        sync.Mutex
	state     atomic.Int32
	started   bool
	closed    bool
}

// New creates a router. Call Start to subscribe.
func New(cfg Config) (*Router, error) {
	if cfg.Transport == nil {
		return nil, errors.New("router: transport is required")
	}
	if cfg.Decode == nil {
		return nil, errors.New("router: decoder is required")
	}
	if len(cfg.Topics.Generic) == 0 && cfg.ResumeID == "" {
		return nil, errors.New("router: no generic topics and no resume id")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	r := &Router{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "router", "local_id", cfg.LocalID),
		inbox:  make(chan inbound, cfg.BufferSize),
		out:    make(chan agentstream.Envelope, cfg.BufferSize),
		window: newDedupeWindow(cfg.DedupeWindow),
		hwm:    make(map[streamKey]int64),
		held:   make(map[streamKey][]inbound),
	}
	r.backendID.Store("")
	return r, nil
}

// Start subscribes to the generic topics (and the scoped topics of
// ResumeID, if set) and starts the routing loop.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, topic := range r.cfg.Topics.Generic {
		sub, err := r.subscribeLocked(topic, classGeneric)
		if err != nil {
			r.cancel()
			return err
		}
		r.generic = append(r.generic, sub)
	}
	if id := r.cfg.ResumeID; id != "" {
		if err := r.scopeLocked(id); err != nil {
			r.cancel()
			return err
		}
	}

	r.started = true
	go r.loop()
	return nil
}

// subscribeLocked opens a transport subscription and forwards it into the
// inbox. Per-topic order is preserved because each forwarder is the only
// writer for its subscription.
func (r *Router) subscribeLocked(topic string, class channelClass) (*subscription, error) {
	subCtx, cancel := context.WithCancel(r.ctx)
	ch, err := r.cfg.Transport.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	sub := &subscription{topic: topic, class: class, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.forward(subCtx, ch, sub)
	}()
	return sub, nil
}

// forward keeps reading ch whether or not the loop keeps up, queueing
// what the inbox cannot take yet.
func (r *Router) forward(ctx context.Context, ch <-chan transport.Message, sub *subscription) {
	var backlog []inbound
	warned := false
	in := ch
	for {
		var (
			out  chan<- inbound
			next inbound
		)
		if len(backlog) > 0 {
			out, next = r.inbox, backlog[0]
		} else if in == nil {
			return
		}

		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if r.foreign(msg.Origin) {
				atomic.AddInt64(&r.stats.Foreign, 1)
				continue
			}
			backlog = append(backlog, inbound{
				env:   r.decode(msg),
				sub:   sub,
				key:   streamKey{run: msg.Run, stream: msg.Stream},
				seq:   msg.Seq,
				class: sub.class,
			})
			if len(backlog) >= r.cfg.BufferSize && !warned {
				warned = true
				r.logger.Warn("event consumer is falling behind", "topic", sub.topic, "backlog", len(backlog))
			}
		case out <- next:
			backlog[0] = inbound{}
			backlog = backlog[1:]
			if len(backlog) == 0 {
				backlog, warned = nil, false
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) foreign(origin string) bool {
	return origin != "" && r.cfg.LocalID != "" && origin != r.cfg.LocalID
}

func (r *Router) scopeLocked(backendID string) error {
	if r.closed {
		return ErrClosed
	}
	var topics []string
	if r.cfg.Topics.Scoped != nil {
		topics = r.cfg.Topics.Scoped(backendID)
	}
	var fresh []*subscription
	for _, topic := range topics {
		sub, err := r.subscribeLocked(topic, classScoped)
		if err != nil {
			for _, s := range fresh {
				s.cancel()
			}
			return err
		}
		fresh = append(fresh, sub)
	}
	for _, old := range r.scoped {
		old.retired.Store(true)
		old.cancel()
	}
	r.scoped = fresh
	r.backendID.Store(backendID)
	r.state.Store(int32(Scoped))
	return nil
}

func (r *Router) decode(msg transport.Message) agentstream.Envelope {
	env := agentstream.Envelope{
		ReceivedAt: time.Now(),
		Raw:        append([]byte(nil), msg.Payload...),
		Topic:      msg.Topic,
		Origin:     msg.Origin,
	}
	ev, err := r.cfg.Decode(msg.Topic, msg.Payload)
	if err != nil {
		r.logger.Debug("undecodable event", "topic", msg.Topic, "error", err)
		ev = agentstream.Event{Kind: agentstream.KindUnknown, Err: err.Error()}
	}
	env.Event = ev
	env.DedupeKey = agentstream.DedupeKey(ev.Kind, ev.ID, msg.Payload)
	return env
}

// Inject pushes a locally produced event (e.g. a synthetic terminal event
// after a failed launch) through the same ordered path as transport events.
func (r *Router) Inject(ev agentstream.Event, payload []byte) error {
	r.mu.Lock()
	if r.closed || !r.started {
		r.mu.Unlock()
		return ErrClosed
	}
	ctx := r.ctx
	r.mu.Unlock()

	env := agentstream.Envelope{
		ReceivedAt: time.Now(),
		Raw:        payload,
		Topic:      "local",
		Origin:     r.cfg.LocalID,
		Event:      ev,
		DedupeKey:  agentstream.DedupeKey(ev.Kind, ev.ID, payload),
	}
	select {
	case r.inbox <- inbound{env: env, class: classInjected}:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}

func (r *Router) loop() {
	defer close(r.out)
	for {
		select {
		case <-r.ctx.Done():
			return
		case in := <-r.inbox:
			r.route(in)
		}
	}
}

// route orders sequenced arrivals against the generic stream. The generic
// topics carry every message of a run, so a scoped copy more than one
// ahead of the highest generic sequence seen must wait for the gap to fill.
func (r *Router) route(in inbound) {
	if in.seq == 0 {
		r.deliver(in)
		return
	}
	k := in.key
	if in.class == classScoped && len(r.generic) > 0 && in.seq > r.hwm[k]+1 {
		held := append(r.held[k], in)
		if n := len(held); n > 1 && held[n-1].seq < held[n-2].seq {
			slices.SortStableFunc(held, func(a, b inbound) int { return cmp.Compare(a.seq, b.seq) })
		}
		r.held[k] = held
		if len(held) > r.cfg.BufferSize {
			r.logger.Warn("generic stream fell behind, releasing held events", "run_id", k.run, "stream", k.stream, "held", len(held))
			r.hwm[k] = held[len(held)-1].seq
			r.release(k)
		}
		return
	}
	if in.seq > r.hwm[k] {
		r.hwm[k] = in.seq
	}
	r.deliver(in)
	r.release(k)
}

// release delivers the held events of k that are no longer ahead.
func (r *Router) release(k streamKey) {
	held := r.held[k]
	for len(held) > 0 && held[0].seq <= r.hwm[k]+1 {
		in := held[0]
		held = held[1:]
		if in.seq > r.hwm[k] {
			r.hwm[k] = in.seq
		}
		r.deliver(in)
	}
	if len(held) == 0 {
		delete(r.held, k)
	} else {
		r.held[k] = held
	}
}

func (r *Router) deliver(in inbound) {
	env := in.env
	if in.sub != nil && in.sub.retired.Load() {
		atomic.AddInt64(&r.stats.Retired, 1)
		return
	}
	if !r.window.accept(env.DedupeKey, in.class) {
		atomic.AddInt64(&r.stats.Duplicates, 1)
		return
	}

	if env.Kind == agentstream.KindInit && env.SessionID != "" {
		r.observeIdentity(env.SessionID)
	}

	r.seq++
	env.Seq = r.seq
	atomic.AddInt64(&r.stats.Delivered, 1)
	select {
	case r.out <- env:
	case <-r.ctx.Done():
	}
}

func (r *Router) observeIdentity(id string) {
	previous := r.BackendSessionID()
	if id == previous {
		return
	}

	r.mu.Lock()
	err := r.scopeLocked(id)
	r.mu.Unlock()
	if err != nil {
		// Generic topics are still live, so nothing is lost; the session
		// simply stays unscoped.
		r.logger.Error("failed to subscribe scoped topics", "backend_session_id", id, "error", err)
		return
	}

	if previous == "" {
		r.logger.Info("session identity resolved", "backend_session_id", id)
	} else {
		r.logger.Warn("backend session id replaced by re-init", "previous", previous, "backend_session_id", id)
	}
	if r.cfg.OnIdentity != nil {
		r.cfg.OnIdentity(id, previous)
	}
}

// Events returns the ordered, deduplicated stream. It is closed by Close.
func (r *Router) Events() <-chan agentstream.Envelope {
	return r.out
}

// State returns the current channel state.
func (r *Router) State() ChannelState {
	return ChannelState(r.state.Load())
}

// BackendSessionID returns the backend session id, empty until init.
func (r *Router) BackendSessionID() string {
	id, _ := r.backendID.Load().(string)
	return id
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered:  atomic.LoadInt64(&r.stats.Delivered),
		Duplicates: atomic.LoadInt64(&r.stats.Duplicates),
		Foreign:    atomic.LoadInt64(&r.stats.Foreign),
		Retired:    atomic.LoadInt64(&r.stats.Retired),
	}
}

// Close cancels all subscriptions and stops the loop. Safe to call twice.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if !started {
		close(r.out)
		return
	}
	cancel()
	r.wg.Wait()
}
