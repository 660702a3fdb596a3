package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned when a supervisor is run twice.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Admission controls whether runners may claim new tasks.
type Admission int

const (
	// AdmissionPostponed makes runners wait before claiming a task.
	AdmissionPostponed Admission = iota

	// AdmissionAllowed lets runners claim tasks.
	AdmissionAllowed

	// AdmissionForbidden is terminal: no task is ever handed out again.
	AdmissionForbidden
)

// String implements fmt.Stringer.
func (a Admission) String() string {
	switch a {
	case AdmissionPostponed:
		return "postponed"
	case AdmissionAllowed:
		return "allowed"
	case AdmissionForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Config holds supervisor configuration.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Workers is the initial target pool size (must be > 0).
	Workers int

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Name:    "pool",
		Workers: 5,
	}
}

// Stats is a snapshot of the supervisor state.
type Stats struct {
	Name       string
	Target     int
	Active     int
	Retiring   int
	Done       int
	Produced   int
	Errors     int
	Admission  Admission
	ClosedDown bool
	Elapsed    time.Duration
}

// Supervisor keeps a pool of runners converging to a target size while tasks
// remain, and shuts the whole pool down on the first error.
type Supervisor[T any] struct {
	name    string
	source  *Source[T]
	factory Factory[T]
	logger  zerolog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	target       int
	active       []*Runner[T]
	retiring     []*Runner[T]
	admission    Admission
	forbidden    atomic.Bool
	errs         []error
	started      bool
	closedDown   bool
	doneCount    int
	produced     int
	lastDone     T
	hasLastDone  bool
	elapsed      time.Duration
	allowedSince time.Time
	nextID       int
	runCtx       context.Context

	done chan struct{}
}

// NewSupervisor creates a supervisor dispensing the tasks of source to
// runners built by factory.
func NewSupervisor[T any](source *Source[T], factory Factory[T], cfg Config) (*Supervisor[T], error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("executor factory is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTarget, cfg.Workers)
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("pool", cfg.Name).Logger()
	} else {
		logger = log.With().Str("component", "supervisor").Str("pool", cfg.Name).Logger()
	}

	s := &Supervisor[T]{
		name:      cfg.Name,
		source:    source,
		factory:   factory,
		logger:    logger,
		target:    cfg.Workers,
		admission: AdmissionPostponed,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	source.bind(s.collectError)

	PoolTarget.WithLabelValues(s.name).Set(float64(cfg.Workers))
	return s, nil
}

// Start runs the supervisor in its own goroutine.
func (s *Supervisor[T]) Start(ctx context.Context) {
	go func() {
		_ = s.Run(ctx)
	}()
}

// Run supervises the pool until the source is exhausted or an error occurs,
// waits for every runner to stop and returns the first error collected.
// Cancelling ctx is treated as an error.
func (s *Supervisor[T]) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.mu.Unlock()
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		s.collectError(fmt.Errorf("pool %s: %w", s.name, context.Cause(ctx)))
	})
	defer stop()

	start := time.Now()
	s.logger.Info().Int("target", s.Target()).Msg("Pool starting")

	s.source.Start(runCtx)
	s.Allow()

	for s.source.HasNext() {
		if !s.step() {
			break
		}
	}

	s.shutdown()

	stats := s.Stats()
	event := s.logger.Info()
	if stats.Errors > 0 {
		event = s.logger.Error().Err(s.FirstError())
	}
	event.
		Int("done", stats.Done).
		Int("produced", stats.Produced).
		Int("errors", stats.Errors).
		Dur("duration", time.Since(start)).
		Msg("Pool closed down")

	return s.FirstError()
}

// step performs one iteration of the supervising loop and reports whether
// supervision goes on.
func (s *Supervisor[T]) step() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admission == AdmissionForbidden || len(s.errs) > 0 {
		return false
	}

	switch {
	case s.target > len(s.active)+len(s.retiring):
		s.hire()
	case s.target < len(s.active):
		s.retireOne()
	default:
		s.cond.Wait()
	}
	return true
}

// hire must be called with s.mu held.
func (s *Supervisor[T]) hire() {
	s.nextID++
	r := newRunner(s, s.nextID, s.factory())
	ctx, cancel := context.WithCancel(s.runCtx)
	r.cancel = cancel
	s.active = append(s.active, r)
	s.updateGauges()

	s.logger.Debug().
		Str("runner", r.name).
		Int("active", len(s.active)).
		Int("target", s.target).
		Msg("Runner hired")

	go r.run(ctx)
}

// retireOne must be called with s.mu held.
func (s *Supervisor[T]) retireOne() {
	r := s.active[len(s.active)-1]
	s.active = s.active[:len(s.active)-1]
	s.retiring = append(s.retiring, r)
	s.updateGauges()

	s.logger.Debug().
		Str("runner", r.name).
		Int("active", len(s.active)).
		Int("target", s.target).
		Msg("Runner retiring")

	r.Retire()
	s.cond.Broadcast()
}

func (s *Supervisor[T]) shutdown() {
	s.Forbid()

	s.mu.Lock()
	remaining := make([]*Runner[T], 0, len(s.active)+len(s.retiring))
	remaining = append(remaining, s.active...)
	remaining = append(remaining, s.retiring...)
	failed := len(s.errs) > 0
	s.mu.Unlock()

	if failed {
		for _, r := range remaining {
			r.interrupt()
		}
		s.source.interrupt()
	}
	for _, r := range remaining {
		<-r.done
	}

	s.mu.Lock()
	s.closedDown = true
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.done)
}

// next hands the next task to r, blocking while admission is postponed.
func (s *Supervisor[T]) next(r *Runner[T]) (T, bool) {
	var zero T

	s.mu.Lock()
	for s.admission == AdmissionPostponed && !r.retired() {
		s.cond.Wait()
	}
	ok := s.admission == AdmissionAllowed && len(s.errs) == 0 && !r.retired()
	s.mu.Unlock()

	if !ok {
		return zero, false
	}
	return s.source.next(func() bool { return s.abortClaim(r) })
}

// abortClaim is evaluated by the source under its own lock, so it must not
// take s.mu.
func (s *Supervisor[T]) abortClaim(r *Runner[T]) bool {
	return r.retired() || s.forbidden.Load()
}

func (s *Supervisor[T]) collectDone(task T, count int) {
	s.mu.Lock()
	s.doneCount++
	s.produced += count
	s.lastDone, s.hasLastDone = task, true
	s.cond.Broadcast()
	s.mu.Unlock()

	PoolTasksDone.WithLabelValues(s.name).Inc()
	PoolItemsProduced.WithLabelValues(s.name).Add(float64(count))
}

// collectError records err and immediately forbids new tasks.
func (s *Supervisor[T]) collectError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	first := len(s.errs) == 1
	s.forbidLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	PoolErrors.WithLabelValues(s.name).Inc()
	if first {
		s.logger.Error().Err(err).Msg("Pool error, shutting down")
	} else {
		s.logger.Debug().Err(err).Msg("Additional pool error")
	}
	s.source.StopDispensing()
}

func (s *Supervisor[T]) collectFinished(r *Runner[T]) {
	s.mu.Lock()
	s.active = removeRunner(s.active, r)
	s.retiring = removeRunner(s.retiring, r)
	s.updateGauges()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func removeRunner[T any](runners []*Runner[T], r *Runner[T]) []*Runner[T] {
	for i, candidate := range runners {
		if candidate == r {
			return append(runners[:i], runners[i+1:]...)
		}
	}
	return runners
}

// updateGauges must be called with s.mu held.
func (s *Supervisor[T]) updateGauges() {
	PoolRunners.WithLabelValues(s.name, "active").Set(float64(len(s.active)))
	PoolRunners.WithLabelValues(s.name, "retiring").Set(float64(len(s.retiring)))
}

// Allow lets runners claim tasks again after Postpone.
func (s *Supervisor[T]) Allow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admission == AdmissionPostponed {
		s.admission = AdmissionAllowed
		s.allowedSince = time.Now()
	}
	s.cond.Broadcast()
}

// Postpone makes runners wait before claiming their next task. Tasks in
// progress are not affected.
func (s *Supervisor[T]) Postpone() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admission == AdmissionAllowed {
		s.elapsed += time.Since(s.allowedSince)
		s.admission = AdmissionPostponed
	}
}

// Forbid ends the distribution of tasks for good.
func (s *Supervisor[T]) Forbid() {
	s.mu.Lock()
	s.forbidLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	s.source.StopDispensing()
}

// forbidLocked must be called with s.mu held.
func (s *Supervisor[T]) forbidLocked() {
	if s.admission == AdmissionAllowed {
		s.elapsed += time.Since(s.allowedSince)
	}
	s.admission = AdmissionForbidden
	s.forbidden.Store(true)
}

// SetTarget changes the target pool size.
func (s *Supervisor[T]) SetTarget(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, n)
	}

	s.mu.Lock()
	s.target = n
	s.cond.Broadcast()
	s.mu.Unlock()

	PoolTarget.WithLabelValues(s.name).Set(float64(n))
	s.logger.Info().Int("target", n).Msg("Pool target changed")
	return nil
}

// Target returns the target pool size.
func (s *Supervisor[T]) Target() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Stats returns a snapshot of the pool state.
func (s *Supervisor[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Name:       s.name,
		Target:     s.target,
		Active:     len(s.active),
		Retiring:   len(s.retiring),
		Done:       s.doneCount,
		Produced:   s.produced,
		Errors:     len(s.errs),
		Admission:  s.admission,
		ClosedDown: s.closedDown,
		Elapsed:    s.elapsedLocked(),
	}
}

// Elapsed returns the time during which tasks were allowed to start.
func (s *Supervisor[T]) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Supervisor[T]) elapsedLocked() time.Duration {
	if s.admission == AdmissionAllowed {
		return s.elapsed + time.Since(s.allowedSince)
	}
	return s.elapsed
}

// Errors returns every error collected, in order.
func (s *Supervisor[T]) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// FirstError returns the first error collected, if any.
func (s *Supervisor[T]) FirstError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs[0]
}

// LastDone returns the last completed task.
func (s *Supervisor[T]) LastDone() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDone, s.hasLastDone
}

// HasClosedDown reports whether every runner has stopped.
func (s *Supervisor[T]) HasClosedDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedDown
}

// Done is closed once the pool has closed down.
func (s *Supervisor[T]) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the pool has closed down and returns the first error.
func (s *Supervisor[T]) Wait() error {
	<-s.done
	return s.FirstError()
}

// ExpectedCount returns the expected count of the source.
func (s *Supervisor[T]) ExpectedCount(wait bool) int {
	return s.source.ExpectedCount(wait)
}
