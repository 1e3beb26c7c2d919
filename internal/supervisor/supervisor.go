// Package supervisor runs a group of goroutines that share one error mailbox.
// The first value delivered to the mailbox ends the run: the owner aborts the
// remaining tasks, joins the ones it cares about, and drains what is left.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
	"github.com/postalsys/remote-shell/internal/recovery"
)

// DefaultCapacity is the mailbox size used when Config.Capacity is zero.
const DefaultCapacity = 10

// ErrCancelled is the join result of a task that ended because it was aborted.
var ErrCancelled = errors.New("task cancelled")

// Shutdown causes recorded in metrics.
const (
	CauseError     = "error"
	CauseStopped   = "stopped"
	CauseCancelled = "cancelled"
)

// TaskFunc is the body of a supervised task. It must return when ctx is done.
type TaskFunc func(ctx context.Context) error

// Config configures a Supervisor.
type Config struct {
	// Name identifies the supervisor in logs and metrics.
	Name string

	// Capacity is the size of the error mailbox.
	Capacity int

	// Drain runs once at the end of Terminate, after every task was aborted.
	Drain func()

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Supervisor owns a registry of running tasks and their shared mailbox.
type Supervisor struct {
	name    string
	drain   func()
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan error

	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64

	stopping      atomic.Bool
	terminateOnce sync.Once
}

// New creates a supervisor whose tasks are cancelled when parent is done.
func New(parent context.Context, cfg Config) *Supervisor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		name:    cfg.Name,
		drain:   cfg.Drain,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, cfg.Name),
		metrics: metrics.OrDefault(cfg.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan error, cfg.Capacity),
		tasks:   make(map[uint64]*Task),
	}
}

// TaskOption configures a task started with Go.
type TaskOption func(*Task)

// StopOnReturn makes a nil return of the task end the run normally.
// Without it a task that returns nil simply leaves the registry.
func StopOnReturn() TaskOption {
	return func(t *Task) {
		t.stopOnReturn = true
	}
}

// Task is a handle to a supervised goroutine.
type Task struct {
	id           uint64
	name         string
	stopOnReturn bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Abort cancels the task's context. It does not wait for the task to return.
func (t *Task) Abort() {
	t.cancel()
}

// Done returns a channel closed when the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Join waits for the task and returns its result. A task that ended after
// being aborted yields ErrCancelled.
func (t *Task) Join() error {
	<-t.done
	return t.err
}

// Go starts fn as a supervised task. A non-nil error returned by fn is
// reported to the mailbox unless the task had already been aborted.
func (s *Supervisor) Go(name string, fn TaskFunc, opts ...TaskOption) *Task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	s.mu.Lock()
	s.nextID++
	t.id = s.nextID
	s.tasks[t.id] = t
	s.mu.Unlock()

	go s.run(t, fn)
	return t
}

func (s *Supervisor) run(t *Task, fn TaskFunc) {
	err := s.call(t, fn)

	if t.ctx.Err() != nil {
		if err != nil {
			s.logger.Debug("task ended after cancellation", logging.KeyTask, t.name, logging.KeyError, err)
		}
		err = ErrCancelled
	}

	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	t.err = err
	t.cancel()
	close(t.done)

	switch {
	case err == ErrCancelled:
	case err != nil:
		s.Report(err)
	case t.stopOnReturn:
		s.Report(nil)
	}
}

func (s *Supervisor) call(t *Task, fn TaskFunc) (err error) {
	defer recovery.RecoverToError(s.logger, t.name, &err)
	return fn(t.ctx)
}

// Report delivers a terminal result to the mailbox. Nil means a normal end of
// the run. Reports are dropped once Terminate has started or the mailbox is
// full.
func (s *Supervisor) Report(err error) {
	if s.stopping.Load() {
		return
	}
	select {
	case s.mailbox <- err:
	default:
		s.logger.Debug("mailbox full, dropping report", logging.KeyError, err)
	}
}

// Wait blocks until the first report arrives and returns it. It returns nil
// when the parent context is done first.
func (s *Supervisor) Wait() error {
	select {
	case err := <-s.mailbox:
		if err != nil {
			s.metrics.RecordSupervisorShutdown(s.name, CauseError)
		} else {
			s.metrics.RecordSupervisorShutdown(s.name, CauseStopped)
		}
		return err
	case <-s.ctx.Done():
		s.metrics.RecordSupervisorShutdown(s.name, CauseCancelled)
		return nil
	}
}

// Terminate aborts the given tasks and joins them, then aborts every other
// registered task without waiting for it, and finally runs the drain hook.
// Only the first call has an effect.
func (s *Supervisor) Terminate(join ...*Task) {
	s.terminateOnce.Do(func() {
		s.stopping.Store(true)

		for _, t := range join {
			t.Abort()
		}
		for _, t := range join {
			err := t.Join()
			switch {
			case err == nil, errors.Is(err, ErrCancelled):
				s.logger.Debug("task joined", logging.KeyTask, t.name)
			case errors.Is(err, recovery.ErrPanic):
				s.logger.Error("task join failed", logging.KeyTask, t.name, logging.KeyError, err)
			default:
				s.logger.Debug("task joined with error", logging.KeyTask, t.name, logging.KeyError, err)
			}
		}

		s.mu.Lock()
		remaining := make([]*Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			remaining = append(remaining, t)
		}
		s.mu.Unlock()

		for _, t := range remaining {
			t.Abort()
		}
		if len(remaining) > 0 {
			s.logger.Debug("aborted remaining tasks", logging.KeyCount, len(remaining))
		}

		s.cancel()

		if s.drain != nil {
			s.drain()
		}
	})
}

// Active returns the number of tasks still running.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
