// Package job defines the data contracts for the orchestration kernel: Job
// and Task records, their status DAGs, and the wire messages exchanged over
// the job queue and task queue. Nothing in this package talks to a database
// or a broker — those are repository concerns (internal/data/repos/...).
package job

import (
	"encoding/json"
	"time"
)

// JobStatus is a Job's lifecycle state. Transitions are monotone and follow
// queued -> processing -> {completed, completed_with_errors, failed}.
type JobStatus string

const (
	JobQueued                JobStatus = "queued"
	JobProcessing            JobStatus = "processing"
	JobCompleted              JobStatus = "completed"
	JobCompletedWithErrors    JobStatus = "completed_with_errors"
	JobFailed                 JobStatus = "failed"
)

// Terminal reports whether the status is one a Job never leaves.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed:
		return true
	default:
		return false
	}
}

// TaskStatus is a Task's lifecycle state: queued -> processing -> {completed, failed}.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Job is the durable record for a top-level pipeline submission. The
// database row is the source of truth; this struct is the in-memory view
// repositories hand back to callers.
type Job struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Status       JobStatus       `json:"status"`
	Stage        int             `json:"stage"`
	TotalStages  int             `json:"total_stages"`
	Parameters   json.RawMessage `json:"parameters"`
	StageResults json.RawMessage `json:"stage_results"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Task is the durable record for the smallest dispatchable unit of work.
type Task struct {
	TaskID       string          `json:"task_id"`
	ParentJobID  string          `json:"parent_job_id"`
	JobType      string          `json:"job_type"`
	TaskType     string          `json:"task_type"`
	Stage        int             `json:"stage"`
	TaskIndex    string          `json:"task_index"`
	Status       TaskStatus      `json:"status"`
	Parameters   json.RawMessage `json:"parameters"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	RetryCount   int             `json:"retry_count"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueMessage is embedded in both message types. Neither field is
// serialized and nothing in this module sets them: the queues ack, abandon
// and dead-letter through queue.Lease, and TaskQueueMessage's own
// RetryCount (json "retry_count") shadows the one here.
type QueueMessage struct {
	DeliveryID string `json:"-"`
	RetryCount int    `json:"-"`
}

// JobQueueMessage drives the job-message loop (spec §4.5): "advance this job
// to this stage".
type JobQueueMessage struct {
	QueueMessage
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	Stage         int             `json:"stage"`
	Parameters    json.RawMessage `json:"parameters"`
	CorrelationID string          `json:"correlation_id"`
}

// TaskQueueMessage drives the task-message loop: "run this task's handler".
type TaskQueueMessage struct {
	QueueMessage
	TaskID      string          `json:"task_id"`
	ParentJobID string          `json:"parent_job_id"`
	JobType     string          `json:"job_type"`
	TaskType    string          `json:"task_type"`
	Stage       int             `json:"stage"`
	TaskIndex   string          `json:"task_index"`
	Parameters  json.RawMessage `json:"parameters"`
	RetryCount  int             `json:"retry_count"`
	Timestamp   time.Time       `json:"timestamp"`
}
