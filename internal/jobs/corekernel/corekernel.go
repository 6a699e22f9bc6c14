// Package corekernel is CoreMachine (spec §4.5): the dispatch kernel
// driving the job-message loop and task-message loop. Everything else —
// repositories, registry, orchestration — is a narrow collaborator this
// package wires together; the state machine itself lives here.
package corekernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/jobs/ids"
	"github.com/fieldmesh/coremachine/internal/jobs/orchestration"
	"github.com/fieldmesh/coremachine/internal/jobs/registry"
	"github.com/fieldmesh/coremachine/internal/observability"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
	domainerrs "github.com/fieldmesh/coremachine/internal/pkg/errors"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/pkg/httpx"
	"github.com/fieldmesh/coremachine/internal/platform/envutil"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

const (
	dbRetryAttempts  = 3
	dbRetryBaseDelay = 100 * time.Millisecond
)

// withDBRetry implements transient_db_error's policy (spec §7: "in-process
// retry with jittered backoff; then lease abandon"), distinct from
// transient_broker_error's plain lease-abandon. Every fn passed here talks
// to JobTaskRepo/Postgres; expand_stage (orchestration.Manager.ExpandStage)
// also enqueues onto the task queue, so its broker errors are retried here
// the same way. Any error other than ErrNotFound is retried. Returns the
// last error once attempts are exhausted, for the caller to abandon the
// lease on.
func withDBRetry(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	delay := dbRetryBaseDelay
	var err error
	for attempt := 1; attempt <= dbRetryAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, domainerrs.ErrNotFound) {
			return err
		}
		if attempt == dbRetryAttempts {
			break
		}
		sleep := httpx.JitterSleep(delay)
		log.Warn("transient db error, retrying in-process", "op", op, "attempt", attempt, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}

type Kernel struct {
	repo       jobtask.Repo
	jobQueue   queue.Queue
	taskQueue  queue.Queue
	orch       *orchestration.Manager
	registry   *registry.Registry
	log        *logger.Logger
	maxRetries int
}

func New(repo jobtask.Repo, jobQueue, taskQueue queue.Queue, orch *orchestration.Manager, reg *registry.Registry, baseLog *logger.Logger) *Kernel {
	return &Kernel{
		repo:       repo,
		jobQueue:   jobQueue,
		taskQueue:  taskQueue,
		orch:       orch,
		registry:   reg,
		log:        baseLog.With("component", "CoreMachine"),
		maxRetries: envutil.Int("MAX_RETRIES", 3),
	}
}

// RunJobLoop polls the job queue until ctx is cancelled. Intended to be run
// as its own goroutine; multiple instances may run concurrently, since
// every message is independent once dispatched (spec §5, "scheduling
// model").
func (k *Kernel) RunJobLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		lease, err := k.jobQueue.Receive(ctx)
		if err != nil {
			k.log.Error("job queue receive failed", "error", err)
			continue
		}
		if lease == nil {
			continue
		}
		k.handleJobMessage(ctx, lease)
	}
}

// RunTaskLoop is the task-queue analogue of RunJobLoop.
func (k *Kernel) RunTaskLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		lease, err := k.taskQueue.Receive(ctx)
		if err != nil {
			k.log.Error("task queue receive failed", "error", err)
			continue
		}
		if lease == nil {
			continue
		}
		k.handleTaskMessage(ctx, lease)
	}
}

// handleJobMessage implements the job-message loop (spec §4.5).
func (k *Kernel) handleJobMessage(ctx context.Context, lease *queue.Lease) {
	var msg domainjob.JobQueueMessage
	if err := json.Unmarshal(lease.Payload, &msg); err != nil {
		k.log.Error("malformed job message, dead-lettering", "error", err)
		_ = k.jobQueue.DeadLetter(ctx, lease, "malformed_message")
		return
	}
	ctx, span := observability.StartMessageSpan(ctx, "corekernel.handle_job_message",
		attribute.String("job_id", msg.JobID), attribute.Int("stage", msg.Stage))
	defer span.End()
	log := k.log.With("job_id", msg.JobID, "stage", msg.Stage)

	dbc := dbctx.Context{Ctx: ctx}
	var row *jobtask.JobRow
	err := withDBRetry(ctx, log, "get_job", func() error {
		var gErr error
		row, gErr = k.repo.GetJob(dbc, msg.JobID)
		return gErr
	})
	if errors.Is(err, domainerrs.ErrNotFound) {
		log.Error("job not found, dead-lettering")
		_ = k.jobQueue.DeadLetter(ctx, lease, "job_not_found")
		return
	}
	if err != nil {
		log.Error("load job failed after retries, abandoning for redelivery", "error", err)
		_ = k.jobQueue.Abandon(ctx, lease)
		return
	}

	if row.Stage > msg.Stage {
		// Step 2: this stage has already advanced past; idempotent duplicate.
		_ = k.jobQueue.Complete(ctx, lease)
		return
	}

	spec, ok := k.registry.JobSpec(row.JobType)
	if !ok {
		log.Error("unknown job_type, dead-lettering", "job_type", row.JobType)
		_ = k.jobQueue.DeadLetter(ctx, lease, "unknown_handler")
		return
	}

	var priorStageResult json.RawMessage
	if msg.Stage > 1 {
		priorStageResult = extractStageResult(row.StageResults, msg.Stage-1)
	}

	// JobSpec code, not a DB call, so no withDBRetry here: a failure is the
	// spec's own logic erroring, not a transient storage condition.
	defs, err := spec.CreateTasksForStage(ctx, msg.Stage, msg.Parameters, priorStageResult)
	if err != nil {
		log.Error("create_tasks_for_stage failed, abandoning for redelivery", "error", err)
		_ = k.jobQueue.Abandon(ctx, lease)
		return
	}

	jobView := jobtask.ToDomainJob(row)
	if err := withDBRetry(ctx, log, "expand_stage", func() error {
		return k.orch.ExpandStage(ctx, jobView, msg.Stage, defs)
	}); err != nil {
		log.Error("expand stage failed after retries, abandoning for redelivery", "error", err)
		_ = k.jobQueue.Abandon(ctx, lease)
		return
	}

	if msg.Stage == 1 && row.Status == string(domainjob.JobQueued) {
		if err := withDBRetry(ctx, log, "update_job_processing", func() error {
			_, uErr := k.repo.UpdateJob(dbc, row.JobID, map[string]any{"status": string(domainjob.JobProcessing)})
			return uErr
		}); err != nil {
			log.Error("transition job to processing failed after retries, abandoning for redelivery", "error", err)
			_ = k.jobQueue.Abandon(ctx, lease)
			return
		}
	}

	_ = k.jobQueue.Complete(ctx, lease)

	// Empty fan-out (spec §8 boundary behavior): with no tasks dispatched,
	// no task completion will ever drive T2, so advance the stage right
	// here instead of waiting on a trigger that can't happen.
	if len(defs) == 0 {
		k.advanceStage(ctx, msg.JobID, msg.Stage, msg.JobType, log)
	}
}

func extractStageResult(stageResults datatypes.JSON, stage int) json.RawMessage {
	if len(stageResults) == 0 {
		return nil
	}
	var byStage map[string]json.RawMessage
	if err := json.Unmarshal(stageResults, &byStage); err != nil {
		return nil
	}
	return byStage[fmt.Sprintf("%d", stage)]
}

// handleTaskMessage implements the task-message loop (spec §4.5).
func (k *Kernel) handleTaskMessage(ctx context.Context, lease *queue.Lease) {
	var msg domainjob.TaskQueueMessage
	if err := json.Unmarshal(lease.Payload, &msg); err != nil {
		k.log.Error("malformed task message, dead-lettering", "error", err)
		_ = k.taskQueue.DeadLetter(ctx, lease, "malformed_message")
		return
	}
	ctx, span := observability.StartMessageSpan(ctx, "corekernel.handle_task_message",
		attribute.String("task_id", msg.TaskID), attribute.String("job_id", msg.ParentJobID),
		attribute.Int("stage", msg.Stage))
	defer span.End()
	log := k.log.With("task_id", msg.TaskID, "job_id", msg.ParentJobID, "task_type", msg.TaskType)

	dbc := dbctx.Context{Ctx: ctx}

	// Cancellation check precedes claiming the task (spec §4.5,
	// "Cancellation"): a terminal parent job short-circuits the task
	// without ever invoking its handler.
	var parent *jobtask.JobRow
	err := withDBRetry(ctx, log, "get_parent_job", func() error {
		var gErr error
		parent, gErr = k.repo.GetJob(dbc, msg.ParentJobID)
		return gErr
	})
	if err == nil && domainjob.JobStatus(parent.Status).Terminal() {
		if err := withDBRetry(ctx, log, "mark_parent_cancelled", func() error {
			_, uErr := k.repo.UpdateTaskIfStatus(dbc, msg.TaskID, string(domainjob.TaskQueued), map[string]any{
				"status":        string(domainjob.TaskFailed),
				"error_details": datatypes.JSON(`{"reason":"parent_cancelled"}`),
			})
			return uErr
		}); err != nil {
			log.Error("mark task parent_cancelled failed after retries, abandoning for redelivery", "error", err)
			_ = k.taskQueue.Abandon(ctx, lease)
			return
		}
		_ = k.taskQueue.Complete(ctx, lease)
		return
	}

	var affected bool
	err = withDBRetry(ctx, log, "claim_task", func() error {
		var uErr error
		affected, uErr = k.repo.UpdateTaskIfStatus(dbc, msg.TaskID, string(domainjob.TaskQueued), map[string]any{
			"status": string(domainjob.TaskProcessing),
		})
		return uErr
	})
	if err != nil {
		log.Error("update-if-queued failed after retries, abandoning for redelivery", "error", err)
		_ = k.taskQueue.Abandon(ctx, lease)
		return
	}
	if !affected {
		// Already processing or terminal: duplicate delivery.
		_ = k.taskQueue.Complete(ctx, lease)
		return
	}

	handler, ok := k.registry.Handler(msg.TaskType)
	if !ok {
		log.Error("unknown task_type, dead-lettering")
		_ = withDBRetry(ctx, log, "complete_task_unknown_handler", func() error {
			_, cErr := k.repo.CompleteTask(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, string(domainjob.TaskFailed),
				nil, datatypes.JSON(`{"reason":"unknown_handler"}`))
			return cErr
		})
		_ = k.taskQueue.DeadLetter(ctx, lease, "unknown_handler")
		return
	}

	result, handlerErr := handler.Execute(ctx, msg.Parameters)

	if handlerErr != nil {
		// A redelivered message carries its original payload, so the task
		// row, not msg.RetryCount, holds the number of retries so far.
		retryCount := msg.RetryCount
		if taskRow, gErr := k.repo.GetTask(dbc, msg.TaskID); gErr == nil && taskRow.RetryCount > retryCount {
			retryCount = taskRow.RetryCount
		}
		if retryCount < k.maxRetries {
			log.Warn("handler error, retrying", "error", handlerErr, "retry_count", retryCount)
			if err := withDBRetry(ctx, log, "increment_retry_count", func() error {
				_, uErr := k.repo.UpdateTaskIfStatus(dbc, msg.TaskID, string(domainjob.TaskProcessing), map[string]any{
					"status":      string(domainjob.TaskQueued),
					"retry_count": retryCount + 1,
				})
				return uErr
			}); err != nil {
				log.Error("increment retry_count failed after retries, abandoning for redelivery", "error", err)
			}
			_ = k.taskQueue.Abandon(ctx, lease)
			return
		}
		log.Error("handler error, retries exhausted, dead-lettering", "error", handlerErr)
		var completeResult jobtask.CompleteTaskResult
		err := withDBRetry(ctx, log, "complete_task_failed", func() error {
			var cErr error
			completeResult, cErr = k.repo.CompleteTask(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, string(domainjob.TaskFailed),
				nil, errorDetails(handlerErr))
			return cErr
		})
		if err != nil {
			log.Error("T1 (failed) errored after retries, abandoning for redelivery", "error", err)
			_ = k.taskQueue.Abandon(ctx, lease)
			return
		}
		_ = k.taskQueue.DeadLetter(ctx, lease, "handler_error")
		k.afterCompleteTask(ctx, msg, completeResult, log)
		return
	}

	var completeResult jobtask.CompleteTaskResult
	err = withDBRetry(ctx, log, "complete_task", func() error {
		var cErr error
		completeResult, cErr = k.repo.CompleteTask(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, string(domainjob.TaskCompleted),
			datatypes.JSON(result), nil)
		return cErr
	})
	if err != nil {
		log.Error("T1 errored after retries, abandoning for redelivery", "error", err)
		_ = k.taskQueue.Abandon(ctx, lease)
		return
	}
	_ = k.taskQueue.Complete(ctx, lease)
	k.afterCompleteTask(ctx, msg, completeResult, log)
}

func errorDetails(err error) datatypes.JSON {
	b, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return datatypes.JSON(`{"error":"unmarshalable handler error"}`)
	}
	return datatypes.JSON(b)
}

// afterCompleteTask runs T2 when this task was the last to finish its
// stage (spec §4.5 steps 5-7).
func (k *Kernel) afterCompleteTask(ctx context.Context, msg domainjob.TaskQueueMessage, completeResult jobtask.CompleteTaskResult, log *logger.Logger) {
	if !completeResult.LastTask {
		return
	}
	k.advanceStage(ctx, msg.ParentJobID, msg.Stage, msg.JobType, log)
}

// advanceStage runs T2 (spec §4.5 steps 5-7): mark the stage complete,
// finalize the job if that was its last stage, and enqueue the next
// stage's job message otherwise. Invoked both when a task completion
// finds itself the last task of its stage and, for a zero-task fan-out
// stage, directly from the job-message loop (spec §8: "empty fan-out
// stage ... T2 must fire immediately on stage entry").
func (k *Kernel) advanceStage(ctx context.Context, jobID string, stage int, jobType string, log *logger.Logger) {
	var advanceResult jobtask.AdvanceStageResult
	err := withDBRetry(ctx, log, "advance_stage", func() error {
		var aErr error
		advanceResult, aErr = k.repo.AdvanceStage(ctx, jobID, stage, func(row *jobtask.JobRow, hasFailed bool) (datatypes.JSON, error) {
			return k.finalizeJob(ctx, row, hasFailed)
		})
		return aErr
	})
	if err != nil {
		log.Error("T2 (advance stage) failed after retries", "error", err)
		return
	}
	if advanceResult.Terminal {
		log.Info("job reached terminal stage", "job_id", jobID)
		return
	}
	if advanceResult.NextStage == 0 {
		return
	}

	var job *jobtask.JobRow
	err = withDBRetry(ctx, log, "reload_job_after_advance", func() error {
		var gErr error
		job, gErr = k.repo.GetJob(dbctx.Context{Ctx: ctx}, jobID)
		return gErr
	})
	if err != nil {
		log.Error("reload job after advance failed after retries", "error", err)
		return
	}
	nextMsg := domainjob.JobQueueMessage{
		JobID:      jobID,
		JobType:    jobType,
		Stage:      advanceResult.NextStage,
		Parameters: json.RawMessage(job.Parameters),
	}
	raw, err := json.Marshal(nextMsg)
	if err != nil {
		log.Error("marshal next-stage job message failed", "error", err)
		return
	}
	if err := k.jobQueue.Send(ctx, raw); err != nil {
		log.Error("enqueue next-stage job message failed", "error", err)
	}
}

// SubmitResult is what both submission paths (direct HTTP submit and
// PlatformLayer) hand back to their caller.
type SubmitResult struct {
	JobID         string
	LineageID     string
	AlreadyExists bool
	TotalStages   int
	Job           *domainjob.Job
}

// Submit is the single create-job-and-enqueue-first-message path shared by
// both submission routes (spec §4.6/§4.7): derive the job_id, insert the
// Job row if absent, then enqueue its stage-1 JobQueueMessage. The insert
// and the enqueue are two separate steps, not one transaction: if the
// enqueue fails, the row stays in place, and a later identical submit
// reports AlreadyExists without enqueuing a message. lineageID is empty for a
// direct submit (spec §4.7) and platform-derived for a PlatformLayer
// submit (spec §4.6); CoreMachine itself is lineage-agnostic; it only
// persists whatever lineageID it's given.
func (k *Kernel) Submit(ctx context.Context, jobType string, params json.RawMessage, lineageID string) (*SubmitResult, error) {
	spec, ok := k.registry.JobSpec(jobType)
	if !ok {
		return nil, apierr.Of(apierr.KindInvalidParams, fmt.Errorf("unknown job_type %q", jobType))
	}
	if err := spec.ValidateParams(params); err != nil {
		return nil, err
	}

	jobID, err := ids.JobID(jobType, params)
	if err != nil {
		return nil, apierr.Of(apierr.KindInvalidParams, err)
	}

	dbc := dbctx.Context{Ctx: ctx}
	totalStages := spec.TotalStages()
	row := &jobtask.JobRow{
		JobID:       jobID,
		JobType:     jobType,
		Status:      string(domainjob.JobQueued),
		Stage:       1,
		TotalStages: totalStages,
		Parameters:  datatypes.JSON(params),
		LineageID:   lineageID,
	}

	created, err := k.repo.CreateJob(dbc, row)
	if err != nil {
		return nil, apierr.Of(apierr.KindTransientDBError, err)
	}
	if !created {
		existing, err := k.repo.GetJob(dbc, jobID)
		if err != nil {
			return nil, apierr.Of(apierr.KindTransientDBError, err)
		}
		return &SubmitResult{
			JobID:         jobID,
			LineageID:     lineageID,
			AlreadyExists: true,
			TotalStages:   totalStages,
			Job:           jobtask.ToDomainJob(existing),
		}, nil
	}

	msg := domainjob.JobQueueMessage{
		JobID:      jobID,
		JobType:    jobType,
		Stage:      1,
		Parameters: params,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, apierr.Of(apierr.KindTransientDBError, err)
	}
	if err := k.jobQueue.Send(ctx, raw); err != nil {
		k.log.Error("enqueue initial job message failed after job row created", "job_id", jobID, "error", err)
		return nil, apierr.Of(apierr.KindTransientBrokerError, err)
	}

	return &SubmitResult{
		JobID:       jobID,
		LineageID:   lineageID,
		TotalStages: totalStages,
		Job:         jobtask.ToDomainJob(row),
	}, nil
}

func (k *Kernel) finalizeJob(ctx context.Context, row *jobtask.JobRow, hasFailed bool) (datatypes.JSON, error) {
	spec, ok := k.registry.JobSpec(row.JobType)
	if !ok {
		return nil, fmt.Errorf("finalize: unknown job_type %q", row.JobType)
	}
	result, err := spec.Finalize(ctx, domainjob.FinalizeContext{
		Job:            jobtask.ToDomainJob(row),
		HasFailedTasks: hasFailed,
		StageResults:   json.RawMessage(row.StageResults),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(result), nil
}
