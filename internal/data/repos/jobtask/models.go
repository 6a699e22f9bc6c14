// Package jobtask is the JobTaskRepo (spec §4.1): the narrow adapter over
// the durable job/task tables, including the two advisory-lock transactions
// (§4.2) that make last-task-completion detection and stage advancement
// exactly-once.
package jobtask

import (
	"time"

	"gorm.io/datatypes"
)

// JobRow is the gorm model for the `job` table (spec §3, §6).
type JobRow struct {
	JobID        string         `gorm:"column:job_id;type:char(64);primaryKey"`
	JobType      string         `gorm:"column:job_type;not null;index"`
	Status       string         `gorm:"column:status;not null;index"`
	Stage        int            `gorm:"column:stage;not null"`
	TotalStages  int            `gorm:"column:total_stages;not null"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb"`
	LineageID    string         `gorm:"column:lineage_id;type:char(64);index"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;index"`
}

func (JobRow) TableName() string { return "job" }

// TaskRow is the gorm model for the `task` table, indexed per spec §6 on
// (parent_job_id, stage, status) and (parent_job_id, updated_at).
type TaskRow struct {
	TaskID       string         `gorm:"column:task_id;type:char(64);primaryKey"`
	ParentJobID  string         `gorm:"column:parent_job_id;type:char(64);not null;index:idx_task_job_stage_status,priority:1;index:idx_task_job_updated,priority:1"`
	JobType      string         `gorm:"column:job_type;not null"`
	TaskType     string         `gorm:"column:task_type;not null"`
	Stage        int            `gorm:"column:stage;not null;index:idx_task_job_stage_status,priority:2"`
	TaskIndex    string         `gorm:"column:task_index;not null"`
	Status       string         `gorm:"column:status;not null;index:idx_task_job_stage_status,priority:3"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb"`
	RetryCount   int            `gorm:"column:retry_count;not null;default:0"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;index:idx_task_job_updated,priority:2"`
}

func (TaskRow) TableName() string { return "task" }
