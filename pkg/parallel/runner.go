package parallel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Executor executes one task and returns the number of results it produced.
type Executor[T any] interface {
	Execute(ctx context.Context, task T) (int, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc[T any] func(ctx context.Context, task T) (int, error)

// Execute calls f.
func (f ExecutorFunc[T]) Execute(ctx context.Context, task T) (int, error) {
	return f(ctx, task)
}

// Factory returns a fresh executor for every runner the supervisor hires.
type Factory[T any] func() Executor[T]

// State is the lifecycle state of a Runner.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateRetiring
	StateFinished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateRetiring:
		return "retiring"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Runner claims tasks from its supervisor and executes them one after the
// other until none is left or it is retired.
type Runner[T any] struct {
	name   string
	exec   Executor[T]
	sup    *Supervisor[T]
	logger zerolog.Logger

	state    atomic.Int32
	retiring atomic.Bool
	executed atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner[T any](sup *Supervisor[T], id int, exec Executor[T]) *Runner[T] {
	name := fmt.Sprintf("runner-%04d", id)
	return &Runner[T]{
		name:   name,
		exec:   exec,
		sup:    sup,
		logger: sup.logger.With().Str("runner", name).Logger(),
		done:   make(chan struct{}),
	}
}

// Name returns the runner name.
func (r *Runner[T]) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *Runner[T]) State() State {
	return State(r.state.Load())
}

// Executed returns the number of tasks completed by the runner.
func (r *Runner[T]) Executed() int {
	return int(r.executed.Load())
}

// Retire asks the runner to stop once its current task is over.
func (r *Runner[T]) Retire() {
	if r.retiring.Swap(true) {
		return
	}
	if !r.state.CompareAndSwap(int32(StateRunning), int32(StateRetiring)) {
		r.state.CompareAndSwap(int32(StateCreated), int32(StateRetiring))
	}
	r.sup.source.wake()
}

// Done is closed once the runner has stopped.
func (r *Runner[T]) Done() <-chan struct{} {
	return r.done
}

func (r *Runner[T]) retired() bool {
	return r.retiring.Load()
}

// interrupt cancels the task in progress.
func (r *Runner[T]) interrupt() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner[T]) run(ctx context.Context) {
	defer close(r.done)
	defer r.sup.collectFinished(r)
	defer r.state.Store(int32(StateFinished))

	r.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))
	r.logger.Debug().Msg("Runner started")

	if init, ok := r.exec.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			r.sup.collectError(fmt.Errorf("%s: initialize: %w", r.name, err))
			return
		}
	}

	for !r.retired() {
		task, ok := r.sup.next(r)
		if !ok {
			break
		}

		count, err := r.execute(ctx, task)
		if err != nil {
			r.sup.collectError(fmt.Errorf("%s: %w", r.name, err))
			return
		}
		if count < 0 {
			r.sup.collectError(fmt.Errorf("%s: %w: %d", r.name, ErrInvalidCount, count))
			return
		}

		r.executed.Add(1)
		r.sup.collectDone(task, count)
	}

	if fin, ok := r.exec.(Finalizer); ok {
		if err := fin.Finalize(ctx); err != nil {
			r.sup.collectError(fmt.Errorf("%s: finalize: %w", r.name, err))
			return
		}
	}

	r.logger.Debug().
		Int("executed", r.Executed()).
		Bool("retired", r.retired()).
		Msg("Runner finished")
}

func (r *Runner[T]) execute(ctx context.Context, task T) (count int, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Runner: r.name, Value: v}
		}
	}()
	return r.exec.Execute(ctx, task)
}
