package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// waitFor polls cond until it holds or fails the test after a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// concurrencyProbe records the highest number of tasks executing at once.
type concurrencyProbe struct {
	current atomic.Int32
	max     atomic.Int32
}

func (p *concurrencyProbe) enter() {
	n := p.current.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *concurrencyProbe) leave() {
	p.current.Add(-1)
}

func TestSupervisor_TwoRunnersThreeTasks(t *testing.T) {
	var probe concurrencyProbe
	var arrivals atomic.Int32
	var barrier sync.WaitGroup
	barrier.Add(2)

	factory := func() Executor[string] {
		return ExecutorFunc[string](func(ctx context.Context, task string) (int, error) {
			probe.enter()
			defer probe.leave()

			// The first two tasks only return once both are in progress.
			if arrivals.Add(1) <= 2 {
				barrier.Done()
				waited := make(chan struct{})
				go func() {
					barrier.Wait()
					close(waited)
				}()
				select {
				case <-waited:
				case <-time.After(2 * time.Second):
					return 0, errors.New("second runner never started")
				}
			}
			return 1, nil
		})
	}

	source := NewSource(SliceProducer([]string{"a", "b", "c"}))
	sup, err := NewSupervisor(source, factory, Config{Name: "partitions", Workers: 2})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats := sup.Stats()
	if stats.Done != 3 {
		t.Errorf("Done = %d, want 3", stats.Done)
	}
	if stats.Produced != 3 {
		t.Errorf("Produced = %d, want 3", stats.Produced)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
	if !stats.ClosedDown || !sup.HasClosedDown() {
		t.Error("supervisor did not close down")
	}
	if stats.Active != 0 || stats.Retiring != 0 {
		t.Errorf("runners left: active=%d retiring=%d", stats.Active, stats.Retiring)
	}
	if got := probe.max.Load(); got != 2 {
		t.Errorf("max concurrency = %d, want 2", got)
	}
}

func TestSupervisor_NeverExceedsTarget(t *testing.T) {
	var probe concurrencyProbe

	tasks := make([]int, 40)
	for i := range tasks {
		tasks[i] = i
	}

	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			probe.enter()
			defer probe.leave()
			time.Sleep(time.Millisecond)
			return task % 3, nil
		})
	}

	sup, err := NewSupervisor(NewSource(SliceProducer(tasks)), factory, Config{Name: "bounded", Workers: 4})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := probe.max.Load(); got > 4 {
		t.Errorf("max concurrency = %d, want <= 4", got)
	}

	wantProduced := 0
	for _, task := range tasks {
		wantProduced += task % 3
	}
	stats := sup.Stats()
	if stats.Done != len(tasks) {
		t.Errorf("Done = %d, want %d", stats.Done, len(tasks))
	}
	if stats.Produced != wantProduced {
		t.Errorf("Produced = %d, want %d", stats.Produced, wantProduced)
	}
}

func TestSupervisor_FailFast(t *testing.T) {
	injected := errors.New("boom")

	tasks := make([]int, 100)
	for i := range tasks {
		tasks[i] = i + 1
	}

	var executed atomic.Int32
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			executed.Add(1)
			if task == 3 {
				return 0, injected
			}
			<-ctx.Done()
			return 0, ctx.Err()
		})
	}

	sup, err := NewSupervisor(NewSource(SliceProducer(tasks)), factory, Config{Name: "fail-fast", Workers: 3})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	start := time.Now()
	err = sup.Run(context.Background())
	if !errors.Is(err, injected) {
		t.Fatalf("Run() error = %v, want %v", err, injected)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("pool took %v to close down", time.Since(start))
	}

	if got := executed.Load(); got != 3 {
		t.Errorf("executed %d tasks, want 3", got)
	}
	if !errors.Is(sup.FirstError(), injected) {
		t.Errorf("FirstError() = %v, want %v", sup.FirstError(), injected)
	}
	if len(sup.Errors()) == 0 {
		t.Error("Errors() is empty")
	}
	if sup.Stats().Admission != AdmissionForbidden {
		t.Errorf("Admission = %v, want forbidden", sup.Stats().Admission)
	}
	if !sup.HasClosedDown() {
		t.Error("supervisor did not close down")
	}
}

// gatedExecutor signals every task it starts and waits for a release.
type gatedExecutor struct {
	id      int
	started chan<- string
	release <-chan struct{}

	mu   *sync.Mutex
	runs map[string]int
}

func (e *gatedExecutor) Execute(ctx context.Context, task string) (int, error) {
	e.mu.Lock()
	e.runs[task] = e.id
	e.mu.Unlock()

	e.started <- task
	select {
	case <-e.release:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func newGatedFactory(started chan<- string, release <-chan struct{}) (Factory[string], func() map[string]int) {
	var mu sync.Mutex
	runs := make(map[string]int)
	var ids atomic.Int32

	factory := func() Executor[string] {
		return &gatedExecutor{
			id:      int(ids.Add(1)),
			started: started,
			release: release,
			mu:      &mu,
			runs:    runs,
		}
	}
	snapshot := func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int, len(runs))
		for k, v := range runs {
			out[k] = v
		}
		return out
	}
	return factory, snapshot
}

func TestSupervisor_PostponeAndAllow(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{}, 10)
	factory, _ := newGatedFactory(started, release)

	sup, err := NewSupervisor(NewSource(SliceProducer([]string{"a", "b"})), factory, Config{Name: "postpone", Workers: 1})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	sup.Start(context.Background())

	if task := <-started; task != "a" {
		t.Fatalf("first task = %q, want a", task)
	}

	sup.Postpone()
	if got := sup.Stats().Admission; got != AdmissionPostponed {
		t.Errorf("Admission = %v, want postponed", got)
	}
	release <- struct{}{}

	select {
	case task := <-started:
		t.Fatalf("task %q claimed while postponed", task)
	case <-time.After(50 * time.Millisecond):
	}

	sup.Allow()
	select {
	case task := <-started:
		if task != "b" {
			t.Errorf("second task = %q, want b", task)
		}
	case <-time.After(time.Second):
		t.Fatal("task not claimed after Allow")
	}
	release <- struct{}{}

	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if last, ok := sup.LastDone(); !ok || last != "b" {
		t.Errorf("LastDone() = %q, %v; want b, true", last, ok)
	}
	if sup.Elapsed() <= 0 {
		t.Errorf("Elapsed() = %v, want > 0", sup.Elapsed())
	}
}

func TestSupervisor_RetireFinishesInFlightTask(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	factory, runs := newGatedFactory(started, release)

	sup, err := NewSupervisor(NewSource(SliceProducer([]string{"a", "b", "c", "d"})), factory, Config{Name: "retire", Workers: 2})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	sup.Start(context.Background())

	<-started
	<-started

	if err := sup.SetTarget(1); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if sup.Target() != 1 {
		t.Errorf("Target() = %d, want 1", sup.Target())
	}
	waitFor(t, "a retiring runner", func() bool { return sup.Stats().Retiring == 1 })

	// Both in-flight tasks complete, then the remaining runner drains the rest.
	close(release)

	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := sup.Stats().Done; got != 4 {
		t.Errorf("Done = %d, want 4", got)
	}

	r := runs()
	if r["a"] == r["b"] {
		t.Fatalf("a and b ran on the same runner: %v", r)
	}
	retired := 2
	for _, task := range []string{"c", "d"} {
		if r[task] == retired {
			t.Errorf("task %s ran on the retired runner", task)
		}
	}
}

func TestSupervisor_ExecutorPanic(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			panic(fmt.Sprintf("task %d exploded", task))
		})
	}

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1})), factory, Config{Name: "panic", Workers: 1})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	err = sup.Run(context.Background())
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Run() error = %v, want *PanicError", err)
	}
	if panicErr.Runner != "runner-0001" {
		t.Errorf("Runner = %q, want runner-0001", panicErr.Runner)
	}
}

func TestSupervisor_NegativeCount(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			return -1, nil
		})
	}

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1, 2})), factory, Config{Name: "negative", Workers: 1})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("Run() error = %v, want ErrInvalidCount", err)
	}
}

func TestSupervisor_NoClaimAfterForbid(t *testing.T) {
	factory := func() Executor[string] {
		return ExecutorFunc[string](func(ctx context.Context, task string) (int, error) { return 1, nil })
	}
	source := NewSource(SliceProducer([]string{"0B", "0C"}))
	sup, err := NewSupervisor(source, factory, Config{Name: "partitions", Workers: 1})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.Start(ctx)
	defer source.interrupt()
	if !source.HasNext() {
		t.Fatal("source has no buffered task")
	}

	r := newRunner(sup, 1, factory())
	if sup.abortClaim(r) {
		t.Fatal("claim aborted before the pool was forbidden")
	}

	// A runner that passed the admission check before the first error was
	// recorded must not take the buffered task afterwards.
	sup.mu.Lock()
	sup.errs = append(sup.errs, errors.New("partition 0A failed"))
	sup.forbidLocked()
	sup.mu.Unlock()

	if task, ok := source.next(func() bool { return sup.abortClaim(r) }); ok {
		t.Errorf("claimed %q after the pool was forbidden", task)
	}
	if !source.HasNext() {
		t.Error("aborted claim consumed the buffered task")
	}
}

func TestSupervisor_SourceError(t *testing.T) {
	injected := errors.New("listing failed")
	calls := 0
	producer := ProducerFunc[int](func(ctx context.Context) (int, bool, error) {
		calls++
		if calls == 2 {
			return 0, false, injected
		}
		return calls, true, nil
	})

	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			return 1, nil
		})
	}

	sup, err := NewSupervisor(NewSource(producer), factory, Config{Name: "source-error", Workers: 2})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); !errors.Is(err, injected) {
		t.Errorf("Run() error = %v, want %v", err, injected)
	}
}

func TestSupervisor_ContextCancelled(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	}

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1, 2, 3})), factory, Config{Name: "cancelled", Workers: 2})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if !sup.HasClosedDown() {
		t.Error("supervisor did not close down")
	}
}

func TestSupervisor_RunTwice(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) { return 0, nil })
	}
	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1})), factory, DefaultConfig())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := sup.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestNewSupervisor_Validation(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) { return 0, nil })
	}

	tests := []struct {
		name    string
		source  *Source[int]
		factory Factory[int]
		workers int
		wantErr error
	}{
		{name: "zero workers", source: NewSource(SliceProducer([]int{})), factory: factory, workers: 0, wantErr: ErrInvalidTarget},
		{name: "negative workers", source: NewSource(SliceProducer([]int{})), factory: factory, workers: -2, wantErr: ErrInvalidTarget},
		{name: "nil source", factory: factory, workers: 1},
		{name: "nil factory", source: NewSource(SliceProducer([]int{})), workers: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSupervisor(tt.source, tt.factory, Config{Workers: tt.workers})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSupervisor_SetTargetInvalid(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) { return 0, nil })
	}
	sup, err := NewSupervisor(NewSource(SliceProducer([]int{})), factory, Config{Workers: 3})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.SetTarget(0); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("SetTarget(0) error = %v, want ErrInvalidTarget", err)
	}
	if sup.Target() != 3 {
		t.Errorf("Target() = %d, want 3", sup.Target())
	}
}

// lifecycleExecutor counts its hooks.
type lifecycleExecutor struct {
	inits, finals *atomic.Int32
}

func (e *lifecycleExecutor) Initialize(ctx context.Context) error {
	e.inits.Add(1)
	return nil
}

func (e *lifecycleExecutor) Finalize(ctx context.Context) error {
	e.finals.Add(1)
	return nil
}

func (e *lifecycleExecutor) Execute(ctx context.Context, task int) (int, error) {
	return 1, nil
}

func TestSupervisor_ExecutorLifecycle(t *testing.T) {
	var inits, finals atomic.Int32
	factory := func() Executor[int] {
		return &lifecycleExecutor{inits: &inits, finals: &finals}
	}

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1, 2, 3, 4, 5, 6})), factory, Config{Name: "lifecycle", Workers: 3})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if inits.Load() == 0 {
		t.Error("Initialize never called")
	}
	if inits.Load() != finals.Load() {
		t.Errorf("Initialize called %d times, Finalize %d times", inits.Load(), finals.Load())
	}
}

func TestSupervisor_ExpectedCount(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) { return 1, nil })
	}
	counter := CounterFunc(func(ctx context.Context) (int, error) { return 42, nil })

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1}), WithCounter(counter)), factory, Config{Workers: 1})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := sup.ExpectedCount(true); got != 42 {
		t.Errorf("ExpectedCount() = %d, want 42", got)
	}
}

func TestSupervisor_Metrics(t *testing.T) {
	factory := func() Executor[int] {
		return ExecutorFunc[int](func(ctx context.Context, task int) (int, error) { return 2, nil })
	}

	sup, err := NewSupervisor(NewSource(SliceProducer([]int{1, 2, 3})), factory, Config{Name: "metrics-test", Workers: 2})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := testutil.ToFloat64(PoolTasksDone.WithLabelValues("metrics-test")); got != 3 {
		t.Errorf("tasks done = %v, want 3", got)
	}
	if got := testutil.ToFloat64(PoolItemsProduced.WithLabelValues("metrics-test")); got != 6 {
		t.Errorf("items produced = %v, want 6", got)
	}
	if got := testutil.ToFloat64(PoolTarget.WithLabelValues("metrics-test")); got != 2 {
		t.Errorf("target = %v, want 2", got)
	}
	if got := testutil.ToFloat64(PoolRunners.WithLabelValues("metrics-test", "active")); got != 0 {
		t.Errorf("active runners after close down = %v, want 0", got)
	}
}

func TestAdmission_String(t *testing.T) {
	tests := []struct {
		a    Admission
		want string
	}{
		{AdmissionPostponed, "postponed"},
		{AdmissionAllowed, "allowed"},
		{AdmissionForbidden, "forbidden"},
		{Admission(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.a.String(); got != tt.want {
			t.Errorf("Admission(%d).String() = %q, want %q", tt.a, got, tt.want)
		}
	}
}
