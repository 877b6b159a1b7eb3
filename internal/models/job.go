// -----------------------------------------------------------------------
// Job - the unit of work shared between the server and its workers
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus tracks a job through the shared registry. Every transition is
// written back to the job record so any process can observe it.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusStopped  JobStatus = "stopped"
)

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusCanceled, JobStatusStopped:
		return true
	}
	return false
}

// Job kinds understood by the worker registry.
const (
	JobKindQuery     = "query"
	JobKindSentences = "sentences"
	JobKindMeta      = "meta"
	JobKindConfig    = "config"
	JobKindExport    = "export"
)

// Queue names. Queries and their dependents share `query`; full-corpus
// work goes to `background`; config refreshes and maintenance to
// `internal`. Export jobs get their own queue because only the server
// process holds the export registry.
const (
	QueueQuery      = "query"
	QueueBackground = "background"
	QueueInternal   = "internal"
	QueueExports    = "exports"
)

// ErrNoMessage is returned when a queue poll finds nothing to run.
var ErrNoMessage = errors.New("no messages in queue")

// Job is the record stored under `job:<id>` in the shared registry. The id
// of a query job is the fingerprint of its SQL, which is what makes the
// registry double as a result cache: resubmitting identical SQL lands on
// the same record.
type Job struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Queue string `json:"queue"`

	Status JobStatus `json:"status"`

	// Args is the immutable argument snapshot taken at enqueue time.
	Args map[string]interface{} `json:"args"`

	// Meta is mutable bookkeeping written by callbacks (status, totals,
	// sent/meta job trails). Never read it for job identity.
	Meta map[string]interface{} `json:"meta"`

	// Result holds the raw rows produced by the work function, JSON-encoded
	// so replay does not depend on any in-process state.
	Result json.RawMessage `json:"result,omitempty"`

	Error string `json:"error,omitempty"`

	// DependsOn defers execution until the named job finishes.
	DependsOn string `json:"depends_on,omitempty"`

	// OnSuccess / OnFailure name registered callback handlers; functions
	// cannot cross the process boundary, names can.
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`

	TimeoutSeconds   int `json:"timeout_seconds,omitempty"`
	ResultTTLSeconds int `json:"result_ttl_seconds,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewJob creates a queued job with its argument snapshot.
func NewJob(id, kind, queue string, args map[string]interface{}) *Job {
	if args == nil {
		args = make(map[string]interface{})
	}
	return &Job{
		ID:        id,
		Kind:      kind,
		Queue:     queue,
		Status:    JobStatusQueued,
		Args:      args,
		Meta:      make(map[string]interface{}),
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the fields every consumer relies on.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Kind == "" {
		return fmt.Errorf("job kind is required")
	}
	if j.Queue == "" {
		return fmt.Errorf("job queue is required")
	}
	return nil
}

// MarkStarted records the start of execution.
func (j *Job) MarkStarted() {
	j.Status = JobStatusStarted
	now := time.Now().UTC()
	j.StartedAt = &now
}

// MarkFinished records success and stores the raw result.
func (j *Job) MarkFinished(result json.RawMessage) {
	j.Status = JobStatusFinished
	j.Result = result
	now := time.Now().UTC()
	j.EndedAt = &now
}

// MarkFailed records a failure with its message.
func (j *Job) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.Error = errMsg
	now := time.Now().UTC()
	j.EndedAt = &now
}

// MarkCanceled records cancellation before execution began.
func (j *Job) MarkCanceled() {
	j.Status = JobStatusCanceled
	now := time.Now().UTC()
	j.EndedAt = &now
}

// MarkStopped records a stop command landing mid-execution.
func (j *Job) MarkStopped() {
	j.Status = JobStatusStopped
	now := time.Now().UTC()
	j.EndedAt = &now
}

// IsTerminal reports whether the job can still run or change state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Duration returns elapsed execution time in seconds, zero until started.
func (j *Job) Duration() float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.EndedAt != nil {
		end = *j.EndedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// ToJSON serializes the job for registry storage.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a registry record.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Args == nil {
		job.Args = make(map[string]interface{})
	}
	if job.Meta == nil {
		job.Meta = make(map[string]interface{})
	}
	return &job, nil
}

// SetMeta sets a single meta value, allocating the map when needed.
func (j *Job) SetMeta(key string, value interface{}) {
	if j.Meta == nil {
		j.Meta = make(map[string]interface{})
	}
	j.Meta[key] = value
}

// GetArgString retrieves a string argument.
func (j *Job) GetArgString(key string) (string, bool) {
	val, ok := j.Args[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetArgInt retrieves an int argument, accepting the float64 that JSON
// round-trips produce.
func (j *Job) GetArgInt(key string) (int, bool) {
	return coerceInt(j.Args[key])
}

// GetArgBool retrieves a bool argument.
func (j *Job) GetArgBool(key string) (bool, bool) {
	val, ok := j.Args[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// GetArgStringSlice retrieves a string slice argument, accepting the
// []interface{} form JSON produces.
func (j *Job) GetArgStringSlice(key string) ([]string, bool) {
	val, ok := j.Args[key]
	if !ok {
		return nil, false
	}
	switch v := val.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// GetMetaInt retrieves an int meta value.
func (j *Job) GetMetaInt(key string) (int, bool) {
	return coerceInt(j.Meta[key])
}

// GetMetaString retrieves a string meta value.
func (j *Job) GetMetaString(key string) (string, bool) {
	val, ok := j.Meta[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// GetMetaStringSlice retrieves a string slice meta value.
func (j *Job) GetMetaStringSlice(key string) ([]string, bool) {
	val, ok := j.Meta[key]
	if !ok {
		return nil, false
	}
	switch v := val.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func coerceInt(val interface{}) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// QueueMessage is what actually travels through a queue list: just enough
// to locate the job record and route it.
type QueueMessage struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}
