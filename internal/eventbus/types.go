package eventbus

// Event types. The prefix before the first dot names the emitting component.
const (
	RunStarted   = "run.started"
	RunFinished  = "run.finished"
	RunPaused    = "run.paused"
	RunResumed   = "run.resumed"
	RunCancelled = "run.cancel_requested"

	BatchStarted  = "batch.started"
	BatchFinished = "batch.finished"
	BatchRetry    = "batch.retry"

	LaneStarted  = "lane.started"
	LaneFinished = "lane.finished"

	TaskFinished = "task.finished"

	RiskDetected = "risk.detected"

	MatcherFinished = "matcher.finished"

	LedgerRecorded      = "ledger.recorded"
	LedgerRollover      = "ledger.rollover"
	LedgerPersistFailed = "ledger.persist_failed"

	SessionOpened  = "session.opened"
	SessionClosed  = "session.closed"
	SessionEvicted = "session.evicted"

	JobAdded         = "job.added"
	JobFired         = "job.fired"
	JobFinished      = "job.finished"
	JobPersistFailed = "job.persist_failed"

	ConfigReloaded = "config.reloaded"
)
