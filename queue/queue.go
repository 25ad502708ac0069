// Package queue serializes prompt submissions for one session: at most one
// request is in flight and the rest wait in arrival order.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrNothingInFlight is returned by OnComplete when no request is in flight.
var ErrNothingInFlight = errors.New("no request in flight")

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Admission is the outcome of Enqueue.
type Admission int

const (
	// RunNow means the request is in flight and the caller must start it.
	RunNow Admission = iota
	// Queued means the request waits; OnComplete will hand it out.
	Queued
)

func (a Admission) String() string {
	if a == RunNow {
		return "run_now"
	}
	return "queued"
}

// Request is one user submission. Options are opaque to the queue.
type Request struct {
	SubmittedAt time.Time
	admittedAt  time.Time
	finishedAt  time.Time
	Options     map[string]string
	ID          string
	Text        string
	status      Status
	mu          sync.RWMutex
}

// NewRequest creates a request in the queued state.
func NewRequest(id, text string, options map[string]string) *Request {
	return &Request{
		ID:          id,
		Text:        text,
		Options:     options,
		SubmittedAt: time.Now(),
		status:      StatusQueued,
	}
}

// Status returns the current status.
func (r *Request) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// AdmittedAt returns when the request went in flight. ok is false while
// it has not.
func (r *Request) AdmittedAt() (t time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admittedAt, !r.admittedAt.IsZero()
}

// FinishedAt returns when the request reached a terminal status.
func (r *Request) FinishedAt() (t time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt, !r.finishedAt.IsZero()
}

func (r *Request) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
	switch s {
	case StatusInFlight:
		r.admittedAt = time.Now()
	case StatusCompleted, StatusFailed:
		r.finishedAt = time.Now()
	}
}

// Queue is a FIFO admission queue for one session.
type Queue struct {
	inFlight *Request
	pending  []*Request
	mu       sync.Mutex
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue admits req immediately when nothing is in flight, otherwise
// appends it to the FIFO.
func (q *Queue) Enqueue(req *Request) Admission {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == nil {
		req.setStatus(StatusInFlight)
		q.inFlight = req
		return RunNow
	}
	req.setStatus(StatusQueued)
	q.pending = append(q.pending, req)
	return Queued
}

// OnComplete closes the in-flight slot with the given terminal status and
// admits the next queued request, if any. It is the only place a waiting
// request becomes in flight.
func (q *Queue) OnComplete(status Status) (*Request, error) {
	if !status.IsTerminal() {
		status = StatusFailed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == nil {
		return nil, ErrNothingInFlight
	}
	q.inFlight.setStatus(status)
	q.inFlight = nil

	if len(q.pending) == 0 {
		return nil, nil
	}
	next := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	next.setStatus(StatusInFlight)
	q.inFlight = next
	return next, nil
}

// InFlight returns the in-flight request, or nil.
func (q *Queue) InFlight() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Pending returns a copy of the waiting requests in admission order.
func (q *Queue) Pending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, len(q.pending))
	copy(out, q.pending)
	return out
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain fails every waiting request and returns them. The in-flight request
// is left alone; it still needs its terminal event.
func (q *Queue) Drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	for _, r := range out {
		r.setStatus(StatusFailed)
	}
	return out
}
