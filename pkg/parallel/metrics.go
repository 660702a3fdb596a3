package parallel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolRunners tracks runners by pool and state (active, retiring).
	PoolRunners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "istex_pool_runners",
			Help: "Current number of runners by pool and state",
		},
		[]string{"pool", "state"},
	)

	// PoolTarget tracks the target size of each pool.
	PoolTarget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "istex_pool_target_size",
			Help: "Target number of runners by pool",
		},
		[]string{"pool"},
	)

	// PoolTasksDone counts completed tasks.
	PoolTasksDone = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_pool_tasks_done_total",
			Help: "Total number of tasks completed by pool",
		},
		[]string{"pool"},
	)

	// PoolItemsProduced counts the results reported by completed tasks.
	PoolItemsProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_pool_items_produced_total",
			Help: "Total number of results reported by completed tasks by pool",
		},
		[]string{"pool"},
	)

	// PoolErrors counts errors collected by pools.
	PoolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_pool_errors_total",
			Help: "Total number of errors collected by pool",
		},
		[]string{"pool"},
	)
)
