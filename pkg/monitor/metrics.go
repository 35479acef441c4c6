package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the monitor counters.
var (
	itemsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_export_items_processed_total",
		Help: "Messages persisted by the pre-processing sink",
	})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_bytes_total",
		Help: "Bytes read from input storage or written to the store",
	}, []string{"direction"}) // "read", "written"

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_queries_total",
		Help: "Relational store queries by phase",
	}, []string{"phase"}) // "started", "completed"

	stageProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_export_stage_progress_ratio",
		Help: "Fraction of pending mailboxes completed in the current run",
	})

	stageTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graph_export_stage_tasks",
		Help: "Outstanding units of work per stage",
	}, []string{"stage"})
)
