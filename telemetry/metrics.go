package telemetry

var (
	// ApplyBuckets for importer batch apply latency
	ApplyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// ReadBuckets for dumper range reads and change stream polls
	ReadBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}
)

// Pipeline metrics
var (
	// RecordsDumpedTotal counts records pushed into channels by kind (inventory, incremental)
	RecordsDumpedTotal CounterVec = noopCounterVec{}

	// RecordsImportedTotal counts records applied to the target by operation
	RecordsImportedTotal CounterVec = noopCounterVec{}

	// AckedBatchesTotal counts global-barrier acknowledgements
	AckedBatchesTotal Counter = NoopStat{}

	// ChannelOutstanding tracks unacknowledged records across all channels
	ChannelOutstanding Gauge = NoopStat{}

	// DumperReadSeconds measures source read latency by kind
	DumperReadSeconds HistogramVec = noopHistogramVec{}

	// ImporterApplySeconds measures per-batch apply latency
	ImporterApplySeconds Histogram = NoopStat{}

	// ActiveImporters tracks running importers
	ActiveImporters Gauge = NoopStat{}
)

// Task and job metrics
var (
	// TaskPhaseTransitionsTotal counts task phase changes by destination phase
	TaskPhaseTransitionsTotal CounterVec = noopCounterVec{}

	// IncrementalDelayMillis tracks replication delay per task
	IncrementalDelayMillis GaugeVec = noopGaugeVec{}

	// JobsByStatus tracks registered jobs by status
	JobsByStatus GaugeVec = noopGaugeVec{}

	// CheckpointPersistTotal counts checkpoint writes by section and result
	CheckpointPersistTotal CounterVec = noopCounterVec{}

	// EngineQueuedTasks tracks tasks waiting for a worker
	EngineQueuedTasks Gauge = NoopStat{}
)

// Relay metrics
var (
	// RelayPublishedTotal counts change events published by relay
	RelayPublishedTotal CounterVec = noopCounterVec{}

	// RelayPublishRetriesTotal counts failed publish attempts that were retried
	RelayPublishRetriesTotal Counter = NoopStat{}
)

// InitMetrics registers all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	RecordsDumpedTotal = NewCounterVec(
		"records_dumped_total",
		"Records produced by dumpers",
		[]string{"kind"},
	)
	RecordsImportedTotal = NewCounterVec(
		"records_imported_total",
		"Records applied to the target",
		[]string{"op"},
	)
	AckedBatchesTotal = NewCounter(
		"acked_batches_total",
		"Batches acknowledged by every importer",
	)
	ChannelOutstanding = NewGauge(
		"channel_outstanding_records",
		"Records pushed but not yet acknowledged",
	)
	DumperReadSeconds = NewHistogramVec(
		"dumper_read_seconds",
		"Source read latency",
		[]string{"kind"},
		ReadBuckets,
	)
	ImporterApplySeconds = NewHistogram(
		"importer_apply_seconds",
		"Importer batch apply latency",
		ApplyBuckets,
	)
	ActiveImporters = NewGauge(
		"active_importers",
		"Importers currently running",
	)

	TaskPhaseTransitionsTotal = NewCounterVec(
		"task_phase_transitions_total",
		"Task phase transitions",
		[]string{"phase"},
	)
	IncrementalDelayMillis = NewGaugeVec(
		"incremental_delay_milliseconds",
		"Delay between source commit and acknowledgement",
		[]string{"task"},
	)
	JobsByStatus = NewGaugeVec(
		"jobs",
		"Registered jobs by status",
		[]string{"status"},
	)
	CheckpointPersistTotal = NewCounterVec(
		"checkpoint_persist_total",
		"Checkpoint writes",
		[]string{"section", "result"},
	)
	EngineQueuedTasks = NewGauge(
		"engine_queued_tasks",
		"Tasks waiting for an engine worker",
	)

	RelayPublishedTotal = NewCounterVec(
		"relay_published_total",
		"Change events published to a broker",
		[]string{"relay"},
	)
	RelayPublishRetriesTotal = NewCounter(
		"relay_publish_retries_total",
		"Publish attempts retried after an error",
	)
}
