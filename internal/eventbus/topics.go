package eventbus

// Topics published inside clusterjobs.
const (
	// Unit lifecycle. Data is UnitData.
	TopicUnitStarted = "unit.started"
	TopicUnitStopped = "unit.stopped"

	// Topology. Data is the provider event (cluster.Event).
	TopicTopology = "topology.changed"

	// Job registry. Data is JobData.
	TopicJobScheduled = "job.scheduled"
	TopicJobRemoved   = "job.removed"

	// Fire outcomes. Data is RunData.
	TopicJobRan     = "job.ran"
	TopicJobSkipped = "job.skipped"
	TopicJobFailed  = "job.failed"

	// Config.
	TopicConfigReloaded = "config.reloaded"
)

type UnitData struct {
	Unit   string
	Reason string
}

type JobData struct {
	Name string
	Unit string
}
