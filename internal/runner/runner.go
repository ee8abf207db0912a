// Package runner owns the single session slot of the process. It starts a
// worker goroutine per session, confirms it is executing, and stops it with
// a bounded wait.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/meshclient/internal/config"
	"github.com/bhandras/meshclient/internal/metrics"
	"github.com/bhandras/meshclient/internal/session"
	"github.com/bhandras/meshclient/internal/worker"
	"github.com/bhandras/meshclient/pkg/logger"
	"github.com/google/uuid"
)

// Result describes a successful Start or Stop.
type Result int

const (
	ResultNone Result = iota
	// ResultStarted: a new session was spawned and confirmed running.
	ResultStarted
	// ResultAlreadyRunning: a live session exists and was left untouched.
	ResultAlreadyRunning
	// ResultStopped: the live session acknowledged the stop.
	ResultStopped
	// ResultAlreadyStopped: there was no live session.
	ResultAlreadyStopped
)

func (r Result) String() string {
	switch r {
	case ResultStarted:
		return "started"
	case ResultAlreadyRunning:
		return "already_running"
	case ResultStopped:
		return "stopped"
	case ResultAlreadyStopped:
		return "already_stopped"
	default:
		return "none"
	}
}

var (
	// ErrInvalidArgument wraps credential validation failures.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSpawnFailed means the worker could not be built or never confirmed
	// it was executing.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrStopTimeout means the worker did not acknowledge a stop in time. The
	// session is marked failed and its goroutine abandoned.
	ErrStopTimeout = errors.New("stop timed out")
	// ErrNoSession is returned by Wait when the slot is empty.
	ErrNoSession = errors.New("no session")
)

// Worker is the long-running body of a session. Run must call ready before
// doing any blocking work and must return soon after ctx is cancelled.
type Worker interface {
	Run(ctx context.Context, ready func()) error
}

// WorkerFactory builds the worker of a new session.
type WorkerFactory func(s *session.Session) (Worker, error)

// Option configures a Runner.
type Option func(*Runner)

// WithWorkerFactory replaces the default worker.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(r *Runner) { r.factory = f }
}

// WithMetrics replaces the runner's metrics. nil disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner holds at most one live session.
//
// Start and Stop serialize on one mutex which is held across spawn
// confirmation and across the bounded stop wait, so callers never observe a
// half-started or half-stopped session.
type Runner struct {
	cfg     *config.Config
	factory WorkerFactory
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *session.Session
}

// New creates a Runner. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{
		cfg:     cfg,
		metrics: metrics.New(),
	}
	r.factory = r.defaultWorker
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics returns the runner's metrics, possibly nil.
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }

func (r *Runner) defaultWorker(s *session.Session) (Worker, error) {
	return worker.New(s.Credentials(), r.cfg, worker.WithMetrics(r.metrics)), nil
}

// Start validates creds and spawns a session unless one is already live.
//
// Invalid credentials return an error wrapping ErrInvalidArgument before the
// slot is examined. A live session yields ResultAlreadyRunning and keeps its
// credentials. Start returns once the worker has confirmed it is executing;
// it never waits for the login.
func (r *Runner) Start(creds session.Credentials) (Result, error) {
	creds, err := session.NewCredentials(creds.URL, creds.Email, creds.Password)
	if err != nil {
		return ResultNone, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.current; s != nil && !s.Terminal() {
		logger.Infof("start ignored: session %s is %s", s.ID(), s.Status())
		return ResultAlreadyRunning, nil
	}

	s := session.New(creds, session.WithTransitionHook(r.observe))
	r.current = s
	logger.Infof("session %s: starting for %s", s.ID(), creds)

	if err := r.spawn(s); err != nil {
		_ = s.Fail(session.NewFailure(session.ReasonSpawnFailed, err))
		logger.Errorf("session %s: spawn failed: %v", s.ID(), err)
		return ResultNone, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	return ResultStarted, nil
}

// spawn starts the worker goroutine and waits for its confirmation.
func (r *Runner) spawn(s *session.Session) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Panic("spawn", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	w, err := r.factory(s)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}
	if w == nil {
		return errors.New("build worker: factory returned nil")
	}

	confirmed := make(chan struct{})
	var once sync.Once
	ready := func() {
		once.Do(func() {
			// Running is entered by the worker goroutine itself, before any
			// network call, so a fast failure can never precede it.
			if err := s.Transition(session.StatusRunning); err != nil {
				logger.Debugf("session %s: late confirmation ignored: %v", s.ID(), err)
				return
			}
			close(confirmed)
		})
	}

	go r.run(s, w, ready)

	timer := time.NewTimer(r.cfg.SpawnTimeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		return nil
	case <-s.Done():
		select {
		case <-confirmed:
			return nil
		default:
		}
		return errors.New("worker exited before confirming")
	case <-timer.C:
		return fmt.Errorf("worker did not confirm within %s", r.cfg.SpawnTimeout)
	}
}

// run is the session goroutine. Whatever happens, it acknowledges on exit.
func (r *Runner) run(s *session.Session, w Worker, ready func()) {
	defer s.Acknowledge()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Panic("session worker", rec)
				err = session.NewFailure(session.ReasonInternalFault, fmt.Errorf("panic: %v", rec))
			}
		}()
		return w.Run(s.Context(), ready)
	}()

	switch {
	case err != nil:
		if ferr := s.Fail(err); ferr != nil {
			logger.Debugf("session %s: worker error after end: %v", s.ID(), err)
		}
	case s.Status() == session.StatusRunning:
		_ = s.Fail(session.NewFailure(session.ReasonInternalFault,
			errors.New("worker exited without a stop request")))
	}
}

// Stop cancels the live session and waits up to StopTimeout for it to
// acknowledge. With no live session it returns ResultAlreadyStopped and has
// no side effects.
func (r *Runner) Stop() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current
	if s == nil || s.Terminal() {
		return ResultAlreadyStopped, nil
	}
	if err := s.Transition(session.StatusStopping); err != nil {
		if s.Terminal() {
			return ResultAlreadyStopped, nil
		}
		return ResultNone, err
	}
	s.Cancel()

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-s.Done():
		if err := s.Transition(session.StatusStopped); err != nil {
			logger.Debugf("session %s: ended as %s while stopping", s.ID(), s.Status())
		}
		r.current = nil
		logger.Infof("session %s: stopped", s.ID())
		return ResultStopped, nil

	case <-timer.C:
		_ = s.Fail(session.NewFailure(session.ReasonStopTimeout,
			fmt.Errorf("worker did not exit within %s", r.cfg.StopTimeout)))
		r.current = nil
		r.metrics.StopTimedOut()
		logger.Errorf("session %s: stop timed out after %s, abandoning worker",
			s.ID(), r.cfg.StopTimeout)
		return ResultNone, fmt.Errorf("%w after %s", ErrStopTimeout, r.cfg.StopTimeout)
	}
}

// Current returns a snapshot of the session in the slot. A session that
// ended on its own stays visible until the next Start or Stop replaces it.
func (r *Runner) Current() (session.Snapshot, bool) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()

	if s == nil {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Wait blocks until the session in the slot reaches a terminal state or ctx
// is done.
func (r *Runner) Wait(ctx context.Context) (session.Snapshot, error) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()

	if s == nil {
		return session.Snapshot{}, ErrNoSession
	}
	select {
	case <-s.Ended():
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Close stops any live session.
func (r *Runner) Close() error {
	_, err := r.Stop()
	return err
}

// observe logs transitions and feeds metrics. It runs under the session
// lock.
func (r *Runner) observe(id uuid.UUID, prev, next session.Status, reason session.Reason) {
	logger.Debugf("session %s: %s -> %s", id, prev, next)
	switch {
	case next == session.StatusRunning:
		r.metrics.SessionStarted()
	case next.Terminal():
		if reason != session.ReasonNone {
			logger.Warnf("session %s: failed: %s", id, reason)
		}
		r.metrics.SessionEnded(next.String(), reason.String())
	}
}
