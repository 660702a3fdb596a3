package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsDelivered counts hits handed to consumers.
	ItemsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_harvest_items_delivered_total",
			Help: "Total number of hits delivered to harvest consumers",
		},
	)

	// DuplicatesSkipped counts hits dropped because a restarted partition
	// had already delivered them.
	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_harvest_duplicates_skipped_total",
			Help: "Total number of already delivered hits skipped after a partition restart",
		},
	)

	// PartitionRestarts counts partition restarts after transient failures.
	PartitionRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_harvest_partition_restarts_total",
			Help: "Total number of partition restarts after a transient failure",
		},
	)

	// PartitionsCompleted counts fully scrolled partitions.
	PartitionsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_harvest_partitions_completed_total",
			Help: "Total number of partitions scrolled to the end",
		},
	)
)
