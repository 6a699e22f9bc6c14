package jobtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	domainerrs "github.com/fieldmesh/coremachine/internal/pkg/errors"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// CompleteTaskResult is T1's outcome (spec §4.2): at most one concurrent
// caller for a given (job_id, stage) ever observes LastTask=true.
type CompleteTaskResult struct {
	LastTask       bool
	StageAggregate datatypes.JSON
}

// AdvanceStageResult is T2's outcome.
type AdvanceStageResult struct {
	Terminal  bool
	NextStage int
}

// FinalizeFunc computes a job's terminal result_data. It runs inside T2's
// transaction only when completedStage == job.TotalStages; hasFailedTasks
// is already computed from the task rows so JobSpecs never need db access.
type FinalizeFunc func(job *JobRow, hasFailedTasks bool) (datatypes.JSON, error)

// Repo is the JobTaskRepo interface (spec §4.1).
type Repo interface {
	CreateJob(dbc dbctx.Context, row *JobRow) (created bool, err error)
	GetJob(dbc dbctx.Context, jobID string) (*JobRow, error)
	UpdateJob(dbc dbctx.Context, jobID string, patch map[string]any) (bool, error)
	ListJobs(dbc dbctx.Context, limit, offset int, statusFilter string) ([]*JobRow, int64, error)

	// GetLatestCompletedInLineage is PlatformLayer's validation check (c)
	// (spec §4.6): the most recently created job in a given lineage with
	// status=completed, or nil if none exists yet. Scoped by lineage_id so
	// it stays correct regardless of how many other lineages have since
	// submitted jobs.
	GetLatestCompletedInLineage(dbc dbctx.Context, lineageID string) (*JobRow, error)

	CreateTaskIfAbsent(dbc dbctx.Context, row *TaskRow) (created bool, err error)
	BulkCreateTasksIfAbsent(dbc dbctx.Context, rows []*TaskRow) (createdCount int, err error)
	GetTask(dbc dbctx.Context, taskID string) (*TaskRow, error)
	ListTasks(dbc dbctx.Context, jobID string, stage *int) ([]*TaskRow, error)
	CountTasksByStatus(dbc dbctx.Context, jobID string, stage int) (map[string]int64, error)

	// UpdateTaskIfStatus performs the task-loop's "update-if-queued" step
	// (spec §4.5 task loop, step 1): the caller supplies the expected
	// current status, and the update only takes effect if it still holds.
	// Returns false when the row was already past that status (duplicate
	// delivery).
	UpdateTaskIfStatus(dbc dbctx.Context, taskID, expectedStatus string, patch map[string]any) (bool, error)

	// CompleteTask is T1.
	CompleteTask(ctx context.Context, taskID, jobID string, stage int, newStatus string, resultData, errorDetails datatypes.JSON) (CompleteTaskResult, error)

	// AdvanceStage is T2.
	AdvanceStage(ctx context.Context, jobID string, completedStage int, finalize FinalizeFunc) (AdvanceStageResult, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "JobTaskRepo")}
}

func tx(dbc dbctx.Context, fallback *gorm.DB) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return fallback
}

// CreateJob inserts a Job row, treating a primary-key conflict as a no-op
// success (spec invariant 1: submitting identical job_type+params is
// idempotent; the caller — PlatformLayer or the direct-submit path —
// derives the same job_id and must not error on the duplicate).
func (r *repo) CreateJob(dbc dbctx.Context, row *JobRow) (bool, error) {
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	res := tx(dbc, r.db).WithContext(dbc.Ctx).
		Exec(`INSERT INTO job (job_id, job_type, status, stage, total_stages, parameters,
			stage_results, result_data, metadata, error_details, lineage_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO NOTHING`,
			row.JobID, row.JobType, row.Status, row.Stage, row.TotalStages, row.Parameters,
			row.StageResults, row.ResultData, row.Metadata, row.ErrorDetails, row.LineageID,
			row.CreatedAt, row.UpdatedAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) GetJob(dbc dbctx.Context, jobID string) (*JobRow, error) {
	var out JobRow
	err := tx(dbc, r.db).WithContext(dbc.Ctx).Where("job_id = ?", jobID).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainerrs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *repo) UpdateJob(dbc dbctx.Context, jobID string, patch map[string]any) (bool, error) {
	if len(patch) == 0 {
		return false, nil
	}
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = time.Now()
	}
	res := tx(dbc, r.db).WithContext(dbc.Ctx).Model(&JobRow{}).Where("job_id = ?", jobID).Updates(patch)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListJobs(dbc dbctx.Context, limit, offset int, statusFilter string) ([]*JobRow, int64, error) {
	q := tx(dbc, r.db).WithContext(dbc.Ctx).Model(&JobRow{})
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*JobRow
	if limit <= 0 {
		limit = 50
	}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetLatestCompletedInLineage returns the most recently created completed
// job for lineageID, or (nil, nil) if the lineage has no completed job.
func (r *repo) GetLatestCompletedInLineage(dbc dbctx.Context, lineageID string) (*JobRow, error) {
	var out JobRow
	err := tx(dbc, r.db).WithContext(dbc.Ctx).Model(&JobRow{}).
		Where("lineage_id = ? AND status = ?", lineageID, string(domainjob.JobCompleted)).
		Order("created_at DESC").
		Limit(1).
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTaskIfAbsent inserts a Task row, no-op on conflict. OrchestrationManager
// relies on this for deterministic task_ids to make crash-recovery of a
// partial fan-out safe (spec §4.4, S4).
func (r *repo) CreateTaskIfAbsent(dbc dbctx.Context, row *TaskRow) (bool, error) {
	created, err := r.BulkCreateTasksIfAbsent(dbc, []*TaskRow{row})
	return created > 0, err
}

func (r *repo) BulkCreateTasksIfAbsent(dbc dbctx.Context, rows []*TaskRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := time.Now()
	created := 0
	conn := tx(dbc, r.db).WithContext(dbc.Ctx)
	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = now
		}
		res := conn.Exec(`INSERT INTO task (task_id, parent_job_id, job_type, task_type, stage,
			task_index, status, parameters, result_data, retry_count, error_details, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_id) DO NOTHING`,
			row.TaskID, row.ParentJobID, row.JobType, row.TaskType, row.Stage, row.TaskIndex,
			row.Status, row.Parameters, row.ResultData, row.RetryCount, row.ErrorDetails,
			row.CreatedAt, row.UpdatedAt)
		if res.Error != nil {
			return created, res.Error
		}
		if res.RowsAffected > 0 {
			created++
		}
	}
	return created, nil
}

func (r *repo) GetTask(dbc dbctx.Context, taskID string) (*TaskRow, error) {
	var out TaskRow
	err := tx(dbc, r.db).WithContext(dbc.Ctx).Where("task_id = ?", taskID).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainerrs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *repo) ListTasks(dbc dbctx.Context, jobID string, stage *int) ([]*TaskRow, error) {
	q := tx(dbc, r.db).WithContext(dbc.Ctx).Where("parent_job_id = ?", jobID)
	if stage != nil {
		q = q.Where("stage = ?", *stage)
	}
	var out []*TaskRow
	if err := q.Order("task_index ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) CountTasksByStatus(dbc dbctx.Context, jobID string, stage int) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := tx(dbc, r.db).WithContext(dbc.Ctx).Model(&TaskRow{}).
		Select("status, count(*) as n").
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, rr := range rows {
		out[rr.Status] = rr.N
	}
	return out, nil
}

func (r *repo) UpdateTaskIfStatus(dbc dbctx.Context, taskID, expectedStatus string, patch map[string]any) (bool, error) {
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = time.Now()
	}
	res := tx(dbc, r.db).WithContext(dbc.Ctx).Model(&TaskRow{}).
		Where("task_id = ? AND status = ?", taskID, expectedStatus).
		Updates(patch)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// advisoryLockKey joins the key parts with ":" into the text key that the
// SQL passes through hashtext to get pg_advisory_xact_lock's argument;
// hashtext's int4 output implicitly widens to the bigint the lock takes.
func advisoryLockKey(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// CompleteTask implements T1 (spec §4.2). The UPDATE ... WHERE status='processing'
// makes the transaction a no-op under redelivery (S5: a lease-expired
// duplicate finds the row already terminal and RowsAffected=0). The
// advisory lock scoped to (job_id, stage) nominates exactly one concurrent
// caller to observe `remaining=0` and own stage aggregation (invariant 5).
func (r *repo) CompleteTask(ctx context.Context, taskID, jobID string, stage int, newStatus string, resultData, errorDetails datatypes.JSON) (CompleteTaskResult, error) {
	var out CompleteTaskResult
	err := r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		res := txn.Model(&TaskRow{}).
			Where("task_id = ? AND status = ?", taskID, string(domainjob.TaskProcessing)).
			Updates(map[string]any{
				"status":        newStatus,
				"result_data":   resultData,
				"error_details": errorDetails,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already finalized by a prior delivery; absorb and return.
			out = CompleteTaskResult{LastTask: false}
			return nil
		}

		if err := txn.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", advisoryLockKey(jobID, strconv.Itoa(stage))).Error; err != nil {
			return fmt.Errorf("acquire stage advisory lock: %w", err)
		}

		var remaining int64
		if err := txn.Model(&TaskRow{}).
			Where("parent_job_id = ? AND stage = ? AND status NOT IN ?", jobID, stage, []string{
				string(domainjob.TaskCompleted), string(domainjob.TaskFailed),
			}).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			out = CompleteTaskResult{LastTask: false}
			return nil
		}

		agg, err := aggregateStageResults(txn, jobID, stage)
		if err != nil {
			return err
		}
		if err := txn.Exec(
			`UPDATE job SET stage_results = jsonb_set(COALESCE(stage_results, '{}'::jsonb), ?, ?::jsonb, true), updated_at = now()
			 WHERE job_id = ?`,
			pqTextArray(strconv.Itoa(stage)), string(agg), jobID,
		).Error; err != nil {
			return fmt.Errorf("merge stage_results: %w", err)
		}
		out = CompleteTaskResult{LastTask: true, StageAggregate: agg}
		return nil
	})
	return out, err
}

// aggregateStageResults collects every task of (job_id, stage), ordered by
// task_index, as a JSON array of {task_index, status, result, error}; a
// failed task carries its error_details and no result. This is the generic "aggregate_stage_results" the
// pseudocode in spec §4.2 names; job-type-specific interpretation happens
// in JobSpec.CreateTasksForStage, which receives this as priorStageResult.
func aggregateStageResults(txn *gorm.DB, jobID string, stage int) (datatypes.JSON, error) {
	var rows []TaskRow
	if err := txn.Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Order("task_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	type entry struct {
		TaskIndex string          `json:"task_index"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result,omitempty"`
		Error     json.RawMessage `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(rows))
	for _, row := range rows {
		e := entry{TaskIndex: row.TaskIndex, Status: row.Status}
		if len(row.ResultData) > 0 {
			e.Result = json.RawMessage(row.ResultData)
		}
		if len(row.ErrorDetails) > 0 {
			e.Error = json.RawMessage(row.ErrorDetails)
		}
		out = append(out, e)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// AdvanceStage implements T2 (spec §4.2). The `job.stage != completedStage`
// check makes this idempotent: a second nominated caller for the same
// stage (which cannot happen under T1's lock, but could happen if this
// method is invoked twice for the same completed stage by a retried
// CoreMachine step) observes the job already advanced and no-ops.
func (r *repo) AdvanceStage(ctx context.Context, jobID string, completedStage int, finalize FinalizeFunc) (AdvanceStageResult, error) {
	var out AdvanceStageResult
	err := r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", advisoryLockKey(jobID, "advance")).Error; err != nil {
			return fmt.Errorf("acquire advance advisory lock: %w", err)
		}

		var jobRow JobRow
		if err := txn.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			Take(&jobRow).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrs.ErrNotFound
			}
			return err
		}

		if jobRow.Stage != completedStage {
			out = AdvanceStageResult{Terminal: false, NextStage: jobRow.Stage}
			return nil
		}

		if completedStage == jobRow.TotalStages {
			var failedCount int64
			if err := txn.Model(&TaskRow{}).
				Where("parent_job_id = ? AND status = ?", jobID, string(domainjob.TaskFailed)).
				Count(&failedCount).Error; err != nil {
				return err
			}
			result, err := finalize(&jobRow, failedCount > 0)
			if err != nil {
				return err
			}
			status := string(domainjob.JobCompleted)
			if failedCount > 0 {
				status = string(domainjob.JobCompletedWithErrors)
			}
			if err := txn.Model(&JobRow{}).Where("job_id = ?", jobID).Updates(map[string]any{
				"status":      status,
				"result_data": result,
				"updated_at":  time.Now(),
			}).Error; err != nil {
				return err
			}
			out = AdvanceStageResult{Terminal: true}
			return nil
		}

		if err := txn.Model(&JobRow{}).Where("job_id = ?", jobID).Updates(map[string]any{
			"stage":      completedStage + 1,
			"status":     string(domainjob.JobProcessing),
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}
		out = AdvanceStageResult{Terminal: false, NextStage: completedStage + 1}
		return nil
	})
	return out, err
}

// pqTextArray renders a single-element Postgres text[] literal for
// jsonb_set's path argument (`ARRAY['3']`-equivalent as the `{3}` literal
// form, which the driver passes through as a plain string parameter).
func pqTextArray(elem string) string {
	return "{" + elem + "}"
}

// ToDomainJob / ToDomainTask convert gorm rows to the plain domain.Job /
// domain.Task records handed across component boundaries (C5/C6/C7 never
// see gorm types directly).
func ToDomainJob(row *JobRow) *domainjob.Job {
	if row == nil {
		return nil
	}
	return &domainjob.Job{
		JobID:        row.JobID,
		JobType:      row.JobType,
		Status:       domainjob.JobStatus(row.Status),
		Stage:        row.Stage,
		TotalStages:  row.TotalStages,
		Parameters:   json.RawMessage(row.Parameters),
		StageResults: json.RawMessage(row.StageResults),
		ResultData:   json.RawMessage(row.ResultData),
		Metadata:     json.RawMessage(row.Metadata),
		ErrorDetails: json.RawMessage(row.ErrorDetails),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func ToDomainTask(row *TaskRow) *domainjob.Task {
	if row == nil {
		return nil
	}
	return &domainjob.Task{
		TaskID:       row.TaskID,
		ParentJobID:  row.ParentJobID,
		JobType:      row.JobType,
		TaskType:     row.TaskType,
		Stage:        row.Stage,
		TaskIndex:    row.TaskIndex,
		Status:       domainjob.TaskStatus(row.Status),
		Parameters:   json.RawMessage(row.Parameters),
		ResultData:   json.RawMessage(row.ResultData),
		RetryCount:   row.RetryCount,
		ErrorDetails: json.RawMessage(row.ErrorDetails),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}
