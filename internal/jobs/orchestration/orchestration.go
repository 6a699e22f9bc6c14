// Package orchestration is the OrchestrationManager (spec §4.4): turns a
// JobSpec's proposed TaskDefinitions for a stage into durable Task rows and
// queue messages, with deterministic task_ids so a crashed partial
// fan-out is safely resumable.
package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"gorm.io/datatypes"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/envutil"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// TaskID derives the deterministic id for (job_id, stage, task_index)
// (spec §4.4: "hash(job_id || stage || task_index)"). Re-invoking
// CreateTasksForStage with the same inputs must reproduce the same ids, so
// BulkCreateTasksIfAbsent safely skips rows a prior partial attempt
// already wrote.
func TaskID(jobID string, stage int, taskIndex string) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(stage)))
	h.Write([]byte("|"))
	h.Write([]byte(taskIndex))
	return hex.EncodeToString(h.Sum(nil))
}

type Manager struct {
	repo      jobtask.Repo
	taskQueue queue.Queue
	log       *logger.Logger
	threshold int
}

func New(repo jobtask.Repo, taskQueue queue.Queue, baseLog *logger.Logger) *Manager {
	return &Manager{
		repo:      repo,
		taskQueue: taskQueue,
		log:       baseLog.With("component", "OrchestrationManager"),
		threshold: envutil.Int("FAN_OUT_BATCH_THRESHOLD", 50),
	}
}

// ExpandStage implements spec §4.4 steps 4-6: insert-if-absent every
// proposed task, then enqueue a TaskQueueMessage for each task still in
// `queued` status (covering both freshly-created tasks and ones a prior
// crashed attempt already inserted but never got to enqueue).
func (m *Manager) ExpandStage(ctx context.Context, j *domainjob.Job, stage int, defs []domainjob.TaskDefinition) error {
	rows := make([]*jobtask.TaskRow, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, &jobtask.TaskRow{
			TaskID:      TaskID(j.JobID, stage, d.TaskIndex),
			ParentJobID: j.JobID,
			JobType:     j.JobType,
			TaskType:    d.TaskType,
			Stage:       stage,
			TaskIndex:   d.TaskIndex,
			Status:      string(domainjob.TaskQueued),
			Parameters:  datatypes.JSON(d.Parameters),
		})
	}

	dbc := dbctx.Context{Ctx: ctx}
	if _, err := m.repo.BulkCreateTasksIfAbsent(dbc, rows); err != nil {
		return err
	}

	existing, err := m.repo.ListTasks(dbc, j.JobID, &stage)
	if err != nil {
		return err
	}

	payloads := make([][]byte, 0, len(existing))
	for _, row := range existing {
		if row.Status != string(domainjob.TaskQueued) {
			continue
		}
		msg := domainjob.TaskQueueMessage{
			TaskID:      row.TaskID,
			ParentJobID: row.ParentJobID,
			JobType:     row.JobType,
			TaskType:    row.TaskType,
			Stage:       row.Stage,
			TaskIndex:   row.TaskIndex,
			Parameters:  json.RawMessage(row.Parameters),
			RetryCount:  row.RetryCount,
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		payloads = append(payloads, raw)
	}

	if len(payloads) == 0 {
		return nil
	}
	if len(payloads) >= m.threshold {
		m.log.Debug("batch-enqueueing stage tasks", "job_id", j.JobID, "stage", stage, "count", len(payloads))
		return m.taskQueue.SendBatch(ctx, payloads)
	}
	for _, p := range payloads {
		if err := m.taskQueue.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
