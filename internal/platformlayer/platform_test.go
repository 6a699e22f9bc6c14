package platformlayer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/blob"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/jobs/corekernel"
	"github.com/fieldmesh/coremachine/internal/jobs/ids"
	"github.com/fieldmesh/coremachine/internal/jobs/orchestration"
	"github.com/fieldmesh/coremachine/internal/jobs/registry"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

type stubSpec struct{}

func (stubSpec) JobType() string                    { return "helloworld" }
func (stubSpec) TotalStages() int                   { return 2 }
func (stubSpec) ValidateParams(json.RawMessage) error { return nil }
func (stubSpec) CreateTasksForStage(context.Context, int, json.RawMessage, json.RawMessage) ([]domainjob.TaskDefinition, error) {
	return nil, nil
}
func (stubSpec) Finalize(context.Context, domainjob.FinalizeContext) (json.RawMessage, error) {
	return nil, nil
}

type fakeRepo struct {
	jobtask.Repo
	jobs map[string]*jobtask.JobRow
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: map[string]*jobtask.JobRow{}} }

func (f *fakeRepo) CreateJob(dbc dbctx.Context, row *jobtask.JobRow) (bool, error) {
	if _, exists := f.jobs[row.JobID]; exists {
		return false, nil
	}
	f.jobs[row.JobID] = row
	return true, nil
}
func (f *fakeRepo) GetJob(dbc dbctx.Context, jobID string) (*jobtask.JobRow, error) {
	row, ok := f.jobs[jobID]
	if !ok {
		return nil, apierr.Of(apierr.KindResourceMissing, nil)
	}
	return row, nil
}
func (f *fakeRepo) ListJobs(dbc dbctx.Context, limit, offset int, statusFilter string) ([]*jobtask.JobRow, int64, error) {
	var out []*jobtask.JobRow
	for _, row := range f.jobs {
		out = append(out, row)
	}
	return out, int64(len(out)), nil
}

// GetLatestCompletedInLineage mirrors the real repo's lineage-scoped
// query: filter by lineage_id and status=completed, then take the one
// with the latest created_at, not simply "the latest job ever created".
func (f *fakeRepo) GetLatestCompletedInLineage(dbc dbctx.Context, lineageID string) (*jobtask.JobRow, error) {
	var latest *jobtask.JobRow
	for _, row := range f.jobs {
		if row.LineageID != lineageID || domainjob.JobStatus(row.Status) != domainjob.JobCompleted {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	return latest, nil
}

type fakeQueue struct{ sent [][]byte }

func (q *fakeQueue) Send(ctx context.Context, payload []byte) error {
	q.sent = append(q.sent, payload)
	return nil
}
func (q *fakeQueue) SendBatch(ctx context.Context, payloads [][]byte) error { return nil }
func (q *fakeQueue) Receive(ctx context.Context) (*queue.Lease, error)      { return nil, nil }
func (q *fakeQueue) Complete(ctx context.Context, lease *queue.Lease) error { return nil }
func (q *fakeQueue) Abandon(ctx context.Context, lease *queue.Lease) error  { return nil }
func (q *fakeQueue) DeadLetter(ctx context.Context, lease *queue.Lease, reason string) error {
	return nil
}

type nilBlobRepo struct{ blob.Repo }

func (nilBlobRepo) Exists(ctx context.Context, path string) (bool, error) { return true, nil }

func newLayer(t *testing.T) (*Layer, *fakeRepo, *fakeQueue) {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	reg := registry.New()
	reg.RegisterJobSpec(stubSpec{})
	repo := newFakeRepo()
	jobQ := &fakeQueue{}
	taskQ := &fakeQueue{}
	orch := orchestration.New(repo, taskQ, l)
	kernel := corekernel.New(repo, jobQ, taskQ, orch, reg, l)
	return New(repo, kernel, nilBlobRepo{}, reg, l), repo, jobQ
}

func TestSubmit_DryRunValidationFailureForUnknownPreviousVersion(t *testing.T) {
	layer, repo, q := newLayer(t)
	// Seed an existing lineage job so the creates_table check passes.
	repo.jobs["seed"] = &jobtask.JobRow{JobID: "seed", LineageID: ids.LineageID("p", "d", "r"), Status: string(domainjob.JobCompleted)}

	req := ExternalRequest{
		PlatformID: "p", DatasetID: "d", ResourceID: "r",
		JobType: "helloworld", Parameters: json.RawMessage(`{"n":3,"message":"hi"}`),
		CreatesTable:      false,
		PreviousVersionID: "does-not-exist",
	}

	_, err := layer.Submit(context.Background(), req, true)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.KindInvalidParams, apiErr.Kind)
	require.Empty(t, q.sent)
}

func TestSubmit_IdempotentDuplicateReturnsExistingJob(t *testing.T) {
	layer, _, q := newLayer(t)
	req := ExternalRequest{
		PlatformID: "p", DatasetID: "d", ResourceID: "r",
		JobType: "helloworld", Parameters: json.RawMessage(`{"n":3,"message":"hi"}`),
		CreatesTable: true,
	}

	first, err := layer.Submit(context.Background(), req, false)
	require.NoError(t, err)
	require.False(t, first.AlreadyExists)
	require.Len(t, q.sent, 1)

	second, err := layer.Submit(context.Background(), req, false)
	require.NoError(t, err)
	require.True(t, second.AlreadyExists)
	require.Equal(t, first.JobID, second.JobID)
	require.Len(t, q.sent, 1, "duplicate submission must not enqueue a second message")
}

func TestSubmit_LineageCheckIgnoresJobsFromOtherLineages(t *testing.T) {
	layer, repo, _ := newLayer(t)
	lineage := ids.LineageID("p", "d", "r")

	// A job in a different lineage, created after the one that matters,
	// must not be mistaken for "the latest job" when validating this
	// lineage's creates_table=false check.
	repo.jobs["other-lineage"] = &jobtask.JobRow{
		JobID: "other-lineage", LineageID: ids.LineageID("p", "d", "other-resource"),
		Status: string(domainjob.JobCompleted), CreatedAt: time.Now(),
	}
	repo.jobs["seed"] = &jobtask.JobRow{
		JobID: "seed", LineageID: lineage,
		Status: string(domainjob.JobCompleted), CreatedAt: time.Now().Add(-time.Hour),
	}

	req := ExternalRequest{
		PlatformID: "p", DatasetID: "d", ResourceID: "r",
		JobType: "helloworld", Parameters: json.RawMessage(`{"n":3,"message":"hi"}`),
		CreatesTable: false,
	}

	_, err := layer.Submit(context.Background(), req, true)
	require.NoError(t, err, "the lineage's own completed job must be found even though a newer job exists in a different lineage")
}

func TestJobID_DeterministicAcrossParamKeyOrder(t *testing.T) {
	a, err := ids.JobID("helloworld", json.RawMessage(`{"n":3,"message":"hi"}`))
	require.NoError(t, err)
	b, err := ids.JobID("helloworld", json.RawMessage(`{"message":"hi","n":3}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
}
