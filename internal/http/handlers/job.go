package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/http/response"
	"github.com/fieldmesh/coremachine/internal/jobs/corekernel"
	domainerrs "github.com/fieldmesh/coremachine/internal/pkg/errors"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
)

// JobHandler serves the direct-submit and job-inspection routes of spec §6.
type JobHandler struct {
	repo   jobtask.Repo
	kernel *corekernel.Kernel
}

func NewJobHandler(repo jobtask.Repo, kernel *corekernel.Kernel) *JobHandler {
	return &JobHandler{repo: repo, kernel: kernel}
}

// POST /jobs/submit/:job_type
func (h *JobHandler) SubmitJob(c *gin.Context) {
	jobType := c.Param("job_type")
	params, err := c.GetRawData()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(params) == 0 {
		params = []byte("{}")
	}

	result, err := h.kernel.Submit(c.Request.Context(), jobType, json.RawMessage(params), "")
	if err != nil {
		respondAPIErr(c, err)
		return
	}

	status := http.StatusOK
	if result.AlreadyExists {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"job_id":         result.JobID,
		"already_exists": result.AlreadyExists,
		"total_stages":   result.TotalStages,
		"job":            result.Job,
	})
}

// GET /jobs/status/:job_id
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	row, err := h.repo.GetJob(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if errors.Is(err, domainerrs.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "load_job_failed", err)
		return
	}

	tasks, err := h.repo.ListTasks(dbctx.Context{Ctx: c.Request.Context()}, jobID, nil)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "load_tasks_failed", err)
		return
	}

	countsByStatus := map[string]int{}
	completed := 0
	for _, t := range tasks {
		countsByStatus[t.Status]++
		if domainjob.TaskStatus(t.Status).Terminal() {
			completed++
		}
	}
	progress := 0.0
	if len(tasks) > 0 {
		progress = float64(completed) / float64(len(tasks)) * 100
	}

	response.RespondOK(c, gin.H{
		"job":              jobtask.ToDomainJob(row),
		"task_counts":      countsByStatus,
		"task_total":       len(tasks),
		"progress_percent": progress,
	})
}

// GET /jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	statusFilter := c.Query("status")

	rows, total, err := h.repo.ListJobs(dbctx.Context{Ctx: c.Request.Context()}, limit, offset, statusFilter)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_jobs_failed", err)
		return
	}

	jobs := make([]*domainjob.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, jobtask.ToDomainJob(r))
	}
	response.RespondOK(c, gin.H{"jobs": jobs, "total": total, "limit": limit, "offset": offset})
}

// GET /tasks?job_id=&stage=
func (h *JobHandler) ListTasks(c *gin.Context) {
	jobID := c.Query("job_id")
	if jobID == "" {
		response.RespondError(c, http.StatusBadRequest, "job_id_required", errors.New("job_id query parameter is required"))
		return
	}
	var stage *int
	if raw := c.Query("stage"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_stage", err)
			return
		}
		stage = &n
	}

	rows, err := h.repo.ListTasks(dbctx.Context{Ctx: c.Request.Context()}, jobID, stage)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}
	tasks := make([]*domainjob.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, jobtask.ToDomainTask(r))
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// respondAPIErr decodes an *apierr.Error at the HTTP boundary (spec §7);
// anything else is a 500.
func respondAPIErr(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		response.RespondError(c, apiErr.Status, apiErr.Code, apiErr.Err)
		return
	}
	response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
}
