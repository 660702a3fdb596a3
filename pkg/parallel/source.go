package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Expected count states reported by Source.ExpectedCount.
const (
	// NotComputed means the count computation has not started yet.
	NotComputed = -3

	// NotAvailable means the count is being computed.
	NotAvailable = -2

	// NotComputable means the source cannot tell how many results to expect.
	NotComputable = -1
)

// Producer produces the tasks of a Source one at a time. ok is false once
// there are no more tasks. Produce is only ever called from one goroutine.
type Producer[T any] interface {
	Produce(ctx context.Context) (task T, ok bool, err error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc[T any] func(ctx context.Context) (T, bool, error)

// Produce calls f.
func (f ProducerFunc[T]) Produce(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

// SliceProducer produces the given tasks in order.
func SliceProducer[T any](tasks []T) Producer[T] {
	queue := append([]T(nil), tasks...)
	return ProducerFunc[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		if len(queue) == 0 {
			return zero, false, nil
		}
		task := queue[0]
		queue = queue[1:]
		return task, true, nil
	})
}

// Counter computes the number of results the tasks of a source are expected
// to produce. It returns NotComputable when it cannot tell.
type Counter interface {
	ExpectedCount(ctx context.Context) (int, error)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(ctx context.Context) (int, error)

// ExpectedCount calls f.
func (f CounterFunc) ExpectedCount(ctx context.Context) (int, error) {
	return f(ctx)
}

// Initializer is implemented by producers and executors that need to set up
// resources before their first task.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Finalizer is implemented by producers and executors that release resources
// after their last task.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// SourceOption configures a Source.
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	counter Counter
	logger  *zerolog.Logger
}

// WithCounter sets the expected count computation of a source.
func WithCounter(c Counter) SourceOption {
	return func(o *sourceOptions) {
		o.counter = c
	}
}

// WithSourceLogger sets the logger of a source.
func WithSourceLogger(logger zerolog.Logger) SourceOption {
	return func(o *sourceOptions) {
		o.logger = &logger
	}
}

// Source dispenses the tasks of a Producer lazily, computing one task ahead
// of demand and buffering at most one.
type Source[T any] struct {
	producer Producer[T]
	counter  Counter
	logger   zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	pending    T
	hasPending bool
	started    bool
	finished   bool
	failed     bool
	counted    bool
	expected   int
	errs       []error
	report     func(error)
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSource creates a source over p. Production starts with Start, or with
// the first call to HasNext or Next.
func NewSource[T any](p Producer[T], opts ...SourceOption) *Source[T] {
	var o sourceOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Source[T]{
		producer: p,
		counter:  o.counter,
		expected: NotComputed,
		done:     make(chan struct{}),
	}
	if o.logger != nil {
		s.logger = *o.logger
	} else {
		s.logger = log.With().Str("component", "source").Logger()
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// bind routes errors to report, including the ones already collected.
func (s *Source[T]) bind(report func(error)) {
	s.mu.Lock()
	s.report = report
	pending := append([]error(nil), s.errs...)
	s.mu.Unlock()

	for _, err := range pending {
		report(err)
	}
}

// Start begins production and the expected count computation. Calling Start
// more than once has no effect.
func (s *Source[T]) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.produce(ctx)
	go s.count(ctx)
}

// HasNext blocks until a task is buffered or production has ended, and
// reports whether a task is available.
func (s *Source[T]) HasNext() bool {
	s.ensureStarted()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitPending(nil)
	return s.hasPending
}

// Next blocks until a task is buffered or production has ended. ok is false
// when no more tasks will be dispensed.
func (s *Source[T]) Next() (task T, ok bool) {
	return s.next(nil)
}

// next is Next with an abort condition re-evaluated on every wake-up.
func (s *Source[T]) next(abort func() bool) (task T, ok bool) {
	s.ensureStarted()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitPending(abort)
	if !s.hasPending || (abort != nil && abort()) {
		return task, false
	}

	task = s.pending
	var zero T
	s.pending, s.hasPending = zero, false
	s.cond.Broadcast()
	return task, true
}

// waitPending must be called with s.mu held.
func (s *Source[T]) waitPending(abort func() bool) {
	for !s.hasPending && !s.finished && !s.failed {
		if abort != nil && abort() {
			return
		}
		s.cond.Wait()
	}
}

// wake makes blocked callers re-evaluate their abort conditions.
func (s *Source[T]) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// StopDispensing ends production even if more tasks would be available and
// drops the buffered task. Later calls to Next report no more tasks.
func (s *Source[T]) StopDispensing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished = true
	var zero T
	s.pending, s.hasPending = zero, false
	s.cond.Broadcast()
}

// interrupt stops dispensing and cancels production in progress.
func (s *Source[T]) interrupt() {
	s.StopDispensing()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ExpectedCount returns the expected number of results, NotComputed,
// NotAvailable or NotComputable. With wait, it blocks until the computation
// is over.
func (s *Source[T]) ExpectedCount(wait bool) int {
	if wait {
		s.ensureStarted()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for wait && !s.counted && !s.failed {
		s.cond.Wait()
	}
	return s.expected
}

// Err returns the first error met by the source, if any.
func (s *Source[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs[0]
}

// Done is closed once production has ended.
func (s *Source[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Source[T]) ensureStarted() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.Start(context.Background())
	}
}

func (s *Source[T]) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished || s.failed
}

func (s *Source[T]) produce(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.finished = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	if init, ok := s.producer.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			s.fail(ctx, fmt.Errorf("initialize source: %w", err))
			return
		}
	}

	produced := 0
	for !s.stopped() {
		task, ok, err := s.safeProduce(ctx)
		if err != nil {
			s.fail(ctx, fmt.Errorf("produce task %d: %w", produced+1, err))
			return
		}
		if !ok {
			break
		}
		produced++

		s.mu.Lock()
		for s.hasPending && !s.finished && !s.failed {
			s.cond.Wait()
		}
		if s.finished || s.failed {
			s.mu.Unlock()
			break
		}
		s.pending, s.hasPending = task, true
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	s.logger.Debug().Int("produced", produced).Msg("Source production ended")

	if fin, ok := s.producer.(Finalizer); ok {
		if err := fin.Finalize(ctx); err != nil {
			s.fail(ctx, fmt.Errorf("finalize source: %w", err))
		}
	}
}

func (s *Source[T]) safeProduce(ctx context.Context) (task T, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Runner: "source", Value: r}
		}
	}()
	return s.producer.Produce(ctx)
}

func (s *Source[T]) count(ctx context.Context) {
	s.mu.Lock()
	if s.expected != NotComputed {
		s.mu.Unlock()
		return
	}
	s.expected = NotAvailable
	s.mu.Unlock()

	n, err := NotComputable, error(nil)
	if s.counter != nil {
		n, err = s.counter.ExpectedCount(ctx)
	}
	if err == nil && n < 0 && n != NotComputable {
		err = fmt.Errorf("%w: %d", ErrInvalidExpectedCount, n)
	}

	if err != nil {
		s.fail(ctx, fmt.Errorf("compute expected count: %w", err))
	}

	s.mu.Lock()
	s.counted = true
	if err == nil {
		s.expected = n
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// fail records err and forwards it to the supervisor. Errors caused by an
// interruption are dropped.
func (s *Source[T]) fail(ctx context.Context, err error) {
	if ctx.Err() != nil && s.stopped() {
		return
	}

	s.mu.Lock()
	s.failed = true
	s.errs = append(s.errs, err)
	report := s.report
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Source failed")
	if report != nil {
		report(err)
	}
}
