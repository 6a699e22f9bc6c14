// Package platformlayer is PlatformLayer (spec §4.6): the anti-corruption
// surface between external callers and CoreMachine. It derives idempotent
// job and lineage identifiers, runs ordered validation, and — on a
// non-dry-run success — hands off to corekernel.Kernel.Submit, which
// creates the Job row and then enqueues its first JobQueueMessage (two
// steps, not one transaction).
package platformlayer

import (
	"context"
	"encoding/json"
	"fmt"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/blob"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/jobs/corekernel"
	"github.com/fieldmesh/coremachine/internal/jobs/ids"
	"github.com/fieldmesh/coremachine/internal/jobs/registry"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// ExternalRequest is the platform-submit request body (spec §4.6, §6).
type ExternalRequest struct {
	PlatformID        string          `json:"platform_id"`
	DatasetID         string          `json:"dataset_id"`
	ResourceID        string          `json:"resource_id"`
	VersionID         string          `json:"version_id"`
	PreviousVersionID string          `json:"previous_version_id,omitempty"`
	JobType           string          `json:"job_type"`
	Parameters        json.RawMessage `json:"parameters"`
	CreatesTable      bool            `json:"creates_table"`
	TableName         string          `json:"table_name,omitempty"`
	RequiredBlobs     []string        `json:"required_blobs,omitempty"`
}

// Result is PlatformResult (spec §4.6).
type Result struct {
	JobID         string         `json:"job_id"`
	LineageID     string         `json:"lineage_id"`
	AlreadyExists bool           `json:"already_exists"`
	DryRun        bool           `json:"dry_run"`
	TotalStages   int            `json:"total_stages"`
	Job           *domainjob.Job `json:"job,omitempty"`
}

type Layer struct {
	repo     jobtask.Repo
	kernel   *corekernel.Kernel
	blobs    blob.Repo
	registry *registry.Registry
	log      *logger.Logger
}

func New(repo jobtask.Repo, kernel *corekernel.Kernel, blobs blob.Repo, reg *registry.Registry, baseLog *logger.Logger) *Layer {
	return &Layer{
		repo:     repo,
		kernel:   kernel,
		blobs:    blobs,
		registry: reg,
		log:      baseLog.With("component", "PlatformLayer"),
	}
}

// Submit implements spec §4.6's ordered validation, then delegates job
// creation and the first enqueue to corekernel.Kernel.Submit.
func (l *Layer) Submit(ctx context.Context, req ExternalRequest, dryRun bool) (*Result, error) {
	spec, ok := l.registry.JobSpec(req.JobType)
	if !ok {
		return nil, apierr.Of(apierr.KindInvalidParams, fmt.Errorf("unknown job_type %q", req.JobType))
	}

	// (a) parameter schema.
	if err := spec.ValidateParams(req.Parameters); err != nil {
		return nil, err
	}

	// (b) existence of referenced blobs/containers.
	for _, path := range req.RequiredBlobs {
		exists, err := l.blobs.Exists(ctx, path)
		if err != nil {
			return nil, apierr.Of(apierr.KindTransientBrokerError, fmt.Errorf("check blob %s: %w", path, err))
		}
		if !exists {
			return nil, apierr.Of(apierr.KindResourceMissing, fmt.Errorf("required blob %q does not exist", path))
		}
	}

	lineageID := ids.LineageID(req.PlatformID, req.DatasetID, req.ResourceID)

	// (c) target-table absence (job creates a table) or presence (job
	// adds to an existing resource), read off whether any job in this
	// lineage has already completed successfully.
	priorInLineage, err := l.latestCompletedInLineage(ctx, lineageID)
	if err != nil {
		return nil, apierr.Of(apierr.KindTransientDBError, err)
	}
	if req.CreatesTable && priorInLineage != nil {
		return nil, apierr.Of(apierr.KindInvalidParams, fmt.Errorf("table for lineage %s already created by job %s", lineageID, priorInLineage.JobID))
	}
	if !req.CreatesTable && priorInLineage == nil {
		return nil, apierr.Of(apierr.KindResourceMissing, fmt.Errorf("no prior job in lineage %s to add to", lineageID))
	}

	// (d) version-lineage invariants.
	if req.PreviousVersionID != "" {
		prevRow, err := l.repo.GetJob(dbctx.Context{Ctx: ctx}, req.PreviousVersionID)
		if err != nil {
			return nil, apierr.Of(apierr.KindInvalidParams, fmt.Errorf("previous_version_id %q does not exist", req.PreviousVersionID))
		}
		if prevRow.LineageID != lineageID {
			return nil, apierr.Of(apierr.KindInvalidParams, fmt.Errorf("previous_version_id %q belongs to a different lineage", req.PreviousVersionID))
		}
	}

	jobID, err := ids.JobID(req.JobType, req.Parameters)
	if err != nil {
		return nil, apierr.Of(apierr.KindInvalidParams, err)
	}

	if dryRun {
		return &Result{
			JobID:       jobID,
			LineageID:   lineageID,
			DryRun:      true,
			TotalStages: spec.TotalStages(),
		}, nil
	}

	submitResult, err := l.kernel.Submit(ctx, req.JobType, req.Parameters, lineageID)
	if err != nil {
		return nil, err
	}
	return &Result{
		JobID:         submitResult.JobID,
		LineageID:     submitResult.LineageID,
		AlreadyExists: submitResult.AlreadyExists,
		TotalStages:   submitResult.TotalStages,
		Job:           submitResult.Job,
	}, nil
}

func (l *Layer) latestCompletedInLineage(ctx context.Context, lineageID string) (*jobtask.JobRow, error) {
	return l.repo.GetLatestCompletedInLineage(dbctx.Context{Ctx: ctx}, lineageID)
}
