// Package parallel runs tasks drawn from a lazy source on a supervised pool of
// runners whose size can change while work is in progress.
//
// A Source computes one task ahead of demand in its own goroutine and buffers
// at most one task. A Supervisor starts the source, hires runners until the
// target pool size is reached (retiring runners when the target is lowered),
// collects completion counts and stops everything on the first error:
//
//	source := parallel.NewSource[string](parallel.SliceProducer([]string{"a", "b", "c"}))
//	sup, err := parallel.NewSupervisor(source, func() parallel.Executor[string] {
//		return parallel.ExecutorFunc[string](func(ctx context.Context, task string) (int, error) {
//			return process(ctx, task)
//		})
//	}, parallel.Config{Name: "example", Workers: 2})
//	if err != nil {
//		return err
//	}
//	if err := sup.Run(ctx); err != nil {
//		return err
//	}
//
// Runner retirement is cooperative and only observed between two tasks. After
// the first error no new task is handed out and the contexts of all running
// tasks are cancelled.
package parallel
