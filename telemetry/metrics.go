package telemetry

var (
	// LatencyBuckets covers microsecond lock waits up to multi-second stalls.
	LatencyBuckets = []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Lock substrate
var (
	LWLockWaits           CounterVec = noopCounterVec{}
	XactLockWaits         Counter    = NoopStat{}
	XactLockWaitSeconds   Histogram  = NoopStat{}
	XactLockTimeouts      Counter    = NoopStat{}
	LockPolicyConflicts   Counter    = NoopStat{}
	LockPolicyIntentions  CounterVec = noopCounterVec{}
	WaitEventsRegistered  Gauge      = NoopStat{}
	SharedMemoryFreeBytes Gauge      = NoopStat{}
)

// SLRU and WAL
var (
	SLRUPageReads   CounterVec = noopCounterVec{}
	SLRUPageWrites  CounterVec = noopCounterVec{}
	SLRUPageHits    CounterVec = noopCounterVec{}
	SLRUTruncations CounterVec = noopCounterVec{}
	WALRecords      CounterVec = noopCounterVec{}
	WALFlushSeconds Histogram  = NoopStat{}
	WALBytes        Counter    = NoopStat{}
)

// CSN snapshots
var (
	CSNGenerated      Counter   = NoopStat{}
	CSNInDoubtWaits   Counter   = NoopStat{}
	CSNSyncWaitSecond Histogram = NoopStat{}
	CSNLastGenerated  Gauge     = NoopStat{}
	CSNXminMapHead    Gauge     = NoopStat{}
)

// MultiXacts
var (
	MultiXactsCreated     Counter    = NoopStat{}
	MultiXactCacheLookups CounterVec = noopCounterVec{}
	MultiXactTruncations  Counter    = NoopStat{}
	MultiXactNextID       Gauge      = NoopStat{}
	MultiXactNextOffset   Gauge      = NoopStat{}
	MultiXactOldestID     Gauge      = NoopStat{}
)

// Shared invalidation
var (
	SinvalInserted   Counter = NoopStat{}
	SinvalResets     Counter = NoopStat{}
	SinvalQueueDepth Gauge   = NoopStat{}
	SinvalCatchups   Counter = NoopStat{}
)

// Partitioning
var (
	PartitionDescriptorBuilds  Counter    = NoopStat{}
	PartitionDescriptorRetries CounterVec = noopCounterVec{}
	PartitionRouting           CounterVec = noopCounterVec{}
	RowLocks                   CounterVec = noopCounterVec{}
	ActiveBackends             Gauge      = NoopStat{}
	Transactions               CounterVec = noopCounterVec{}
	Checkpoints                Counter    = NoopStat{}
)

// InitMetrics binds every metric to the registry.
func InitMetrics() {
	LWLockWaits = NewCounterVec("lwlock", "waits_total", "LW lock acquisitions that had to sleep", []string{"tranche"})
	XactLockWaits = NewCounter("lock", "xact_waits_total", "Waits on transaction completion locks")
	XactLockWaitSeconds = NewHistogram("lock", "xact_wait_seconds", "Time spent waiting on transaction completion locks", LatencyBuckets)
	XactLockTimeouts = NewCounter("lock", "xact_wait_timeouts_total", "Transaction lock waits ended by lock timeout")
	LockPolicyConflicts = NewCounter("lock_policy", "conflicts_total", "Tuple lock conflicts reported to the lock policy")
	LockPolicyIntentions = NewCounterVec("lock_policy", "intentions_total", "Tuple lock intentions by operation", []string{"op"})
	WaitEventsRegistered = NewGauge("wait_event", "custom_registered", "Custom wait events registered")
	SharedMemoryFreeBytes = NewGauge("shmem", "free_bytes", "Unallocated bytes in the shared arena")

	SLRUPageReads = NewCounterVec("slru", "page_reads_total", "SLRU pages read from storage", []string{"slru"})
	SLRUPageWrites = NewCounterVec("slru", "page_writes_total", "SLRU pages written to storage", []string{"slru"})
	SLRUPageHits = NewCounterVec("slru", "page_hits_total", "SLRU page lookups served from buffers", []string{"slru"})
	SLRUTruncations = NewCounterVec("slru", "truncations_total", "SLRU segment truncations", []string{"slru"})
	WALRecords = NewCounterVec("wal", "records_total", "WAL records inserted by resource manager", []string{"rmgr"})
	WALFlushSeconds = NewHistogram("wal", "flush_seconds", "WAL group flush latency", LatencyBuckets)
	WALBytes = NewCounter("wal", "bytes_total", "WAL payload bytes written")

	CSNGenerated = NewCounter("csn", "generated_total", "Commit sequence numbers generated")
	CSNInDoubtWaits = NewCounter("csn", "in_doubt_waits_total", "Visibility checks that waited on an in-doubt commit")
	CSNSyncWaitSecond = NewHistogram("csn", "sync_wait_seconds", "Clock sync waits for imported CSNs", LatencyBuckets)
	CSNLastGenerated = NewGauge("csn", "last_generated", "Last generated CSN")
	CSNXminMapHead = NewGauge("csn", "xmin_map_head_seconds", "Newest second recorded in the CSN xmin map")

	MultiXactsCreated = NewCounter("multixact", "created_total", "MultiXactIds created")
	MultiXactCacheLookups = NewCounterVec("multixact", "cache_lookups_total", "Member cache lookups", []string{"result"})
	MultiXactTruncations = NewCounter("multixact", "truncations_total", "MultiXact truncations performed")
	MultiXactNextID = NewGauge("multixact", "next_id", "Next MultiXactId to assign")
	MultiXactNextOffset = NewGauge("multixact", "next_offset", "Next member offset to assign")
	MultiXactOldestID = NewGauge("multixact", "oldest_id", "Oldest MultiXactId still needed")

	SinvalInserted = NewCounter("sinval", "inserted_total", "Invalidation messages inserted")
	SinvalResets = NewCounter("sinval", "resets_total", "Invalidation queue resets")
	SinvalQueueDepth = NewGauge("sinval", "queue_depth", "Unread invalidation messages")
	SinvalCatchups = NewCounter("sinval", "catchup_signals_total", "Catchup signals sent to lagging backends")

	PartitionDescriptorBuilds = NewCounter("partition", "descriptor_builds_total", "Partition descriptors built")
	PartitionDescriptorRetries = NewCounterVec("partition", "descriptor_retries_total", "Partition descriptor rebuild retries", []string{"reason"})
	PartitionRouting = NewCounterVec("partition", "routing_total", "Tuple routing lookups by cache result", []string{"result"})
	RowLocks = NewCounterVec("rowlock", "acquired_total", "Tuple locks acquired by path", []string{"path"})
	ActiveBackends = NewGauge("proc", "active_backends", "Registered backends")
	Transactions = NewCounterVec("xact", "finished_total", "Transactions finished by outcome", []string{"outcome"})
	Checkpoints = NewCounter("xact", "checkpoints_total", "Checkpoints completed")
}
