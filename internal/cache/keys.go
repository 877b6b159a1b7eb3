package cache

import "fmt"

// Key layout in the shared store. Everything the engine persists lives
// under one of these shapes.
const (
	// AppConfigKey holds the corpus configuration map.
	AppConfigKey = "app_config"

	// TimeBytesKey holds the rolling fan-out telemetry sample.
	TimeBytesKey = "timebytes"

	// ProgressChannel carries worker-published progress payloads.
	ProgressChannel = "scrutor:pubsub:query"

	// ControlChannel carries stop commands from the server to workers.
	ControlChannel = "scrutor:pubsub:control"
)

// JobKey is the registry key of a job record.
func JobKey(id string) string {
	return "job:" + id
}

// MessageKey is the replay-store key of a published payload.
func MessageKey(id string) string {
	return "msg:" + id
}

// QueueKey is the list a named queue pushes to.
func QueueKey(name string) string {
	return "queue:" + name
}

// DeferredKey is the list of job ids waiting on a parent job.
func DeferredKey(parentID string) string {
	return fmt.Sprintf("deferred:%s", parentID)
}
