package job

import (
	"context"
	"encoding/json"
)

// TaskDefinition is what a JobSpec proposes for a single Task at stage
// entry. OrchestrationManager turns these into durable Task rows and queue
// messages; the JobSpec never touches storage directly.
type TaskDefinition struct {
	TaskType   string
	TaskIndex  string
	Parameters json.RawMessage
}

// FinalizeContext is everything a JobSpec needs to compute a Job's final
// result_data once its last stage has terminalized.
type FinalizeContext struct {
	Job             *Job
	HasFailedTasks  bool
	StageResults    json.RawMessage
}

// JobSpec is the code-defined description of a job_type: how many stages it
// has, how to validate its parameters, how to expand a stage into tasks,
// and how to produce the job's final result. JobSpecs are registered once
// at startup (internal/jobs/registry) and are stateless thereafter — all
// durable state lives in the Job/Task rows the kernel passes in.
type JobSpec interface {
	JobType() string
	TotalStages() int

	// ValidateParams checks the raw parameter payload against this job
	// type's schema. Called by both direct submit and PlatformLayer.
	ValidateParams(params json.RawMessage) error

	// CreateTasksForStage expands stage `stage` into its Task set given the
	// job's parameters and the aggregated results of the prior stage
	// (nil for stage 1). Must be pure and deterministic: re-invoking with
	// the same inputs must produce the same TaskDefinitions in the same
	// order, since OrchestrationManager derives task_ids from this output
	// and relies on it being safely re-runnable after a partial crash.
	CreateTasksForStage(ctx context.Context, stage int, params json.RawMessage, priorStageResult json.RawMessage) ([]TaskDefinition, error)

	// Finalize computes result_data once the job's final stage has
	// terminalized (all tasks reached a terminal state).
	Finalize(ctx context.Context, fc FinalizeContext) (json.RawMessage, error)
}

// Handler is the contract every task_type implementation satisfies. It is
// invoked synchronously from the kernel's point of view (spec §4.5,
// §9) — parallelism comes from worker multiplicity, not from anything a
// Handler does internally.
type Handler interface {
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc lets a plain function satisfy Handler, mirroring the registry
// pattern's http.HandlerFunc-style adapter.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, params)
}
