// Package session holds the state of one authenticated background run: its
// identity, credentials, lifecycle status and cancellation handle.
//
// A Session is pure data plus transition rules. It does not run anything; the
// runner owns the goroutine and the worker drives the network work.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	// StatusStarting is the initial state, before the worker confirms it runs.
	StatusStarting Status = iota
	// StatusRunning means the worker goroutine is executing.
	StatusRunning
	// StatusStopping means cancellation was requested and is being awaited.
	StatusStopping
	// StatusStopped is the terminal state of a cooperative stop.
	StatusStopped
	// StatusFailed is the terminal state of a session that ended on an error.
	StatusFailed
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// ErrInvalidTransition is returned when a transition is not allowed from the
// current status.
var ErrInvalidTransition = errors.New("invalid session transition")

// transitions lists the allowed non-failure moves. Failure is handled by Fail.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
}

// TransitionFunc observes status changes. It runs with the session lock held
// and must not call back into the session.
type TransitionFunc func(id uuid.UUID, prev, next Status, reason Reason)

// Option configures a Session.
type Option func(*Session)

// WithTransitionHook installs an observer for every status change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *Session) { s.onTransition = fn }
}

// WithParent derives the session's cancellation handle from ctx instead of
// context.Background.
func WithParent(ctx context.Context) Option {
	return func(s *Session) { s.parent = ctx }
}

// Session is one logical run of the background client.
type Session struct {
	id        uuid.UUID
	creds     Credentials
	createdAt time.Time

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	ended    chan struct{}

	mu           sync.Mutex
	status       Status
	failure      *FailureError
	onTransition TransitionFunc
}

// New creates a Session in StatusStarting with a fresh cancellation handle.
func New(creds Credentials, opts ...Option) *Session {
	s := &Session{
		id:        uuid.New(),
		creds:     creds,
		createdAt: time.Now(),
		parent:    context.Background(),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
		status:    StatusStarting,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(s.parent)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Credentials returns the immutable credentials of the session.
func (s *Session) Credentials() Credentials { return s.creds }

// Context is the cancellation handle observed by the worker. It stays valid
// for the whole non-terminal lifetime of the session.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel requests cooperative shutdown. It is safe to call multiple times.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the worker goroutine has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ended is closed when the session reaches Stopped or Failed.
func (s *Session) Ended() <-chan struct{} { return s.ended }

// Acknowledge marks the worker as exited. Only the goroutine that ran the
// worker calls it; repeated calls are no-ops.
func (s *Session) Acknowledge() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the session reached Stopped or Failed.
func (s *Session) Terminal() bool {
	return s.Status().Terminal()
}

// Failure returns the failure recorded by Fail, or nil.
func (s *Session) Failure() *FailureError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Transition moves the session along a non-failure edge.
func (s *Session) Transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.status] {
		if allowed == next {
			s.setLocked(next, ReasonNone)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
}

// Fail moves a non-terminal session to StatusFailed. Errors that are not a
// *FailureError are classified as ReasonInternalFault.
func (s *Session) Fail(err error) error {
	failure := AsFailure(err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, StatusFailed)
	}
	s.failure = failure
	s.setLocked(StatusFailed, failure.Reason)
	return nil
}

func (s *Session) setLocked(next Status, reason Reason) {
	prev := s.status
	s.status = next
	if next.Terminal() {
		s.cancel()
		close(s.ended)
	}
	if s.onTransition != nil {
		s.onTransition(s.id, prev, next, reason)
	}
}

// Snapshot is an immutable view of a session for diagnostics.
type Snapshot struct {
	ID        uuid.UUID
	Status    Status
	Reason    Reason
	Err       string
	URL       string
	Email     string
	CreatedAt time.Time
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Status:    s.status,
		URL:       s.creds.URL,
		Email:     s.creds.Email,
		CreatedAt: s.createdAt,
	}
	if s.failure != nil {
		snap.Reason = s.failure.Reason
		snap.Err = s.failure.Error()
	}
	return snap
}
