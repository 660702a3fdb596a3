package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/istex-harvester/pkg/logging"
	"github.com/Sternrassler/istex-harvester/pkg/parallel"
	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

// Option configures a Harvester.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
	redis  *redis.Client
	seen   SeenSetFactory
	runID  string
}

// WithLogger sets the logger of the harvester and its pool.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithRedis keeps the seen sets in Redis.
func WithRedis(client *redis.Client) Option {
	return func(o *options) {
		o.redis = client
	}
}

// WithSeenSets overrides where seen sets are kept.
func WithSeenSets(factory SeenSetFactory) Option {
	return func(o *options) {
		o.seen = factory
	}
}

// WithRunID sets the run ID instead of a random UUID.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// Stats is a snapshot of a harvest.
type Stats struct {
	RunID      string
	Partitions int
	Completed  int
	Restarts   int
	Duplicates int
	Delivered  int
	Expected   int
	Pool       parallel.Stats
}

// Harvester streams the hits of every partition of a query.
//
// Next and HasNext may be called from one consumer goroutine at a time.
type Harvester struct {
	cfg     Config
	fetcher scroll.Fetcher
	seen    SeenSetFactory
	runID   string
	logger  zerolog.Logger

	partitions   []Partition
	total        int
	aggregations json.RawMessage

	pool   *parallel.Supervisor[Partition]
	cancel context.CancelFunc
	done   chan struct{}

	restarts   atomic.Int64
	duplicates atomic.Int64

	mu        sync.Mutex
	cond      *sync.Cond
	slot      scroll.Item
	hasSlot   bool
	closed    bool
	poolErr   error
	delivered int
	started   time.Time
}

// New validates cfg, asks the service for the total number of hits, and
// starts scrolling the partitions in the background. The harvest stops when
// ctx is cancelled or Close is called.
func New(ctx context.Context, fetcher scroll.Fetcher, cfg Config, opts ...Option) (*Harvester, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", ErrInvalidConfig)
	}
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.seen == nil {
		if o.redis != nil {
			o.seen = RedisSeenSets(o.redis, cfg)
		} else {
			o.seen = MemorySeenSets()
		}
	}

	logger := logging.NewLogger("harvest")
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logger.With().Str("run_id", o.runID).Logger()

	h := &Harvester{
		cfg:        cfg,
		fetcher:    fetcher,
		seen:       o.seen,
		runID:      o.runID,
		logger:     logger,
		partitions: Partitions(cfg),
		done:       make(chan struct{}),
		started:    time.Now(),
	}
	h.cond = sync.NewCond(&h.mu)

	if err := h.count(ctx); err != nil {
		return nil, err
	}

	source := parallel.NewSource(
		parallel.SliceProducer(h.partitions),
		parallel.WithCounter(parallel.CounterFunc(func(ctx context.Context) (int, error) {
			return h.total, nil
		})),
		parallel.WithSourceLogger(logger),
	)

	pool, err := parallel.NewSupervisor(source, h.newExecutor, parallel.Config{
		Name:    "harvest",
		Workers: cfg.Workers,
		Logger:  &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	h.pool = pool

	poolCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.logger.Info().
		Str("query", cfg.Query).
		Int("partitions", len(h.partitions)).
		Int("workers", cfg.Workers).
		Int("total", h.total).
		Msg("Harvest started")

	go h.run(poolCtx)
	return h, nil
}

// count issues the preliminary zero-size request.
func (h *Harvester) count(ctx context.Context) error {
	q := scroll.Query{
		Text:   h.cfg.Query,
		Output: h.cfg.Output,
		Facets: h.cfg.Facets,
		Size:   0,
	}

	page, err := h.fetcher.Fetch(ctx, q, "")
	if err != nil {
		return fmt.Errorf("count hits of %q: %w", h.cfg.Query, err)
	}
	if page == nil {
		return fmt.Errorf("count hits of %q: empty response", h.cfg.Query)
	}
	if len(page.Items) > 0 {
		return fmt.Errorf("%w: %d hits for %q", ErrPreliminaryHits, len(page.Items), h.cfg.Query)
	}
	if page.Total < 0 {
		return fmt.Errorf("count hits of %q: negative total %d", h.cfg.Query, page.Total)
	}

	h.total = page.Total
	h.aggregations = page.Aggregations
	return nil
}

// run drives the pool and records its outcome once every runner stopped.
func (h *Harvester) run(ctx context.Context) {
	defer close(h.done)

	err := h.pool.Run(ctx)

	h.mu.Lock()
	h.closed = true
	h.poolErr = err
	h.cond.Broadcast()
	h.mu.Unlock()

	stats := h.Stats()
	event := h.logger.Info()
	if err != nil {
		event = h.logger.Error().Err(err)
	}
	event.
		Int("completed", stats.Completed).
		Int("restarts", stats.Restarts).
		Int("duplicates", stats.Duplicates).
		Int("expected", stats.Expected).
		Dur("duration", time.Since(h.started)).
		Msg("Harvest pool closed down")
}

// wake makes every waiter on the rendezvous re-check its condition.
func (h *Harvester) wake() {
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// deposit hands item to the consumer, waiting while the slot is full.
func (h *Harvester) deposit(ctx context.Context, item scroll.Item) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.hasSlot && ctx.Err() == nil {
		h.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.slot, h.hasSlot = item, true
	h.cond.Broadcast()
	return nil
}

// HasNext blocks until a hit is available or the harvest is over. It returns
// false with a nil error once every hit was delivered, and the pool error or
// ErrCountMismatch when the harvest failed.
func (h *Harvester) HasNext(ctx context.Context) (bool, error) {
	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasNextLocked(ctx)
}

func (h *Harvester) hasNextLocked(ctx context.Context) (bool, error) {
	for !h.hasSlot && !h.closed && ctx.Err() == nil {
		h.cond.Wait()
	}

	switch {
	case h.hasSlot:
		return true, nil
	case !h.closed:
		return false, ctx.Err()
	case h.poolErr != nil:
		return false, h.poolErr
	case h.delivered != h.total:
		return false, fmt.Errorf("%w: delivered %d, expected %d", ErrCountMismatch, h.delivered, h.total)
	default:
		return false, nil
	}
}

// Next returns the next hit, ErrNoMoreItems once the harvest is exhausted, or
// the error that ended the harvest.
func (h *Harvester) Next(ctx context.Context) (scroll.Item, error) {
	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	ok, err := h.hasNextLocked(ctx)
	if err != nil {
		return scroll.Item{}, err
	}
	if !ok {
		return scroll.Item{}, ErrNoMoreItems
	}

	item := h.slot
	h.slot, h.hasSlot = scroll.Item{}, false
	h.delivered++
	h.cond.Broadcast()

	ItemsDelivered.Inc()
	return item, nil
}

// Close stops the harvest and waits for the pool to close down. Hits not yet
// consumed are dropped.
func (h *Harvester) Close() {
	h.cancel()
	<-h.done
}

// Done is closed once the pool has closed down.
func (h *Harvester) Done() <-chan struct{} {
	return h.done
}

// RunID returns the identifier of the harvest.
func (h *Harvester) RunID() string {
	return h.runID
}

// Partitions returns the partitions of the harvest.
func (h *Harvester) Partitions() []Partition {
	return append([]Partition(nil), h.partitions...)
}

// ExpectedTotal returns the total announced by the count request.
func (h *Harvester) ExpectedTotal() int {
	return h.total
}

// Aggregations returns the facets returned by the count request.
func (h *Harvester) Aggregations() json.RawMessage {
	return h.aggregations
}

// Delivered returns the number of hits handed to the consumer.
func (h *Harvester) Delivered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// Stats returns a snapshot of the harvest.
func (h *Harvester) Stats() Stats {
	pool := h.pool.Stats()
	return Stats{
		RunID:      h.runID,
		Partitions: len(h.partitions),
		Completed:  pool.Done,
		Restarts:   int(h.restarts.Load()),
		Duplicates: int(h.duplicates.Load()),
		Delivered:  h.Delivered(),
		Expected:   h.total,
		Pool:       pool,
	}
}
