package harvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/istex-harvester/pkg/parallel"
	"github.com/Sternrassler/istex-harvester/pkg/retry"
	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

// partitionExecutor scrolls partitions for one runner.
type partitionExecutor struct {
	h *Harvester
}

func (h *Harvester) newExecutor() parallel.Executor[Partition] {
	return &partitionExecutor{h: h}
}

// Execute scrolls p to the end and returns the number of distinct hits it
// delivered. Transient failures restart the scroll from scratch; hits already
// delivered by an earlier attempt are skipped.
func (e *partitionExecutor) Execute(ctx context.Context, p Partition) (int, error) {
	h := e.h
	logger := h.logger.With().Int("partition", p.Index).Str("suffix", p.String()).Logger()

	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	seen := h.seen(h.runID, p)
	if err := seen.Clear(ctx); err != nil {
		return 0, fmt.Errorf("partition %s: reset seen set: %w", p, err)
	}

	delivered := 0
	attempt := 0
	err := retry.Do(ctx, h.cfg.Restart, "partition_restart", func(err error) bool {
		return scroll.IsTransient(err) && ctx.Err() == nil
	}, func() error {
		attempt++
		if attempt > 1 {
			h.restarts.Add(1)
			PartitionRestarts.Inc()
			logger.Warn().
				Int("attempt", attempt).
				Int("delivered", delivered).
				Msg("Restarting partition from scratch")
		}

		n, err := e.drain(ctx, p, seen)
		delivered += n
		if err != nil && scroll.IsTransient(err) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Partition scroll failed")
		}
		return err
	})
	if err != nil {
		return delivered, fmt.Errorf("partition %s: %w", p, err)
	}

	if err := seen.Clear(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to release seen set")
	}

	PartitionsCompleted.Inc()
	logger.Debug().Int("delivered", delivered).Int("attempts", attempt).Msg("Partition completed")
	return delivered, nil
}

// drain delivers the unseen hits of one scroll sequence of p.
func (e *partitionExecutor) drain(ctx context.Context, p Partition, seen SeenSet) (int, error) {
	h := e.h
	it := scroll.NewIterator(h.fetcher, p.Query, scroll.WithLogger(h.logger.With().Int("partition", p.Index).Logger()))

	delivered := 0
	for {
		item, err := it.Next(ctx)
		if errors.Is(err, scroll.ErrEndOfSequence) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}

		dup, err := seen.Contains(ctx, item.ID)
		if err != nil {
			return delivered, fmt.Errorf("seen set lookup: %w", err)
		}
		if dup {
			h.duplicates.Add(1)
			DuplicatesSkipped.Inc()
			continue
		}

		if err := h.deposit(ctx, item); err != nil {
			return delivered, err
		}
		if err := seen.Add(ctx, item.ID); err != nil {
			return delivered, fmt.Errorf("seen set add: %w", err)
		}
		delivered++
	}
}
