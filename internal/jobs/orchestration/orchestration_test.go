package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	domainjob "github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/pkg/dbctx"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

type fakeRepo struct {
	jobtask.Repo
	rows []*jobtask.TaskRow
}

func (f *fakeRepo) BulkCreateTasksIfAbsent(dbc dbctx.Context, rows []*jobtask.TaskRow) (int, error) {
	existing := map[string]bool{}
	for _, r := range f.rows {
		existing[r.TaskID] = true
	}
	created := 0
	for _, r := range rows {
		if !existing[r.TaskID] {
			f.rows = append(f.rows, r)
			created++
		}
	}
	return created, nil
}

func (f *fakeRepo) ListTasks(dbc dbctx.Context, jobID string, stage *int) ([]*jobtask.TaskRow, error) {
	var out []*jobtask.TaskRow
	for _, r := range f.rows {
		if r.ParentJobID == jobID && (stage == nil || r.Stage == *stage) {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeQueue satisfies queue.Queue; only Send/SendBatch are exercised here.
type fakeQueue struct {
	sent      [][]byte
	batchSent [][][]byte
}

func (q *fakeQueue) Send(ctx context.Context, payload []byte) error {
	q.sent = append(q.sent, payload)
	return nil
}
func (q *fakeQueue) SendBatch(ctx context.Context, payloads [][]byte) error {
	q.batchSent = append(q.batchSent, payloads)
	return nil
}
func (q *fakeQueue) Receive(ctx context.Context) (*queue.Lease, error)          { return nil, nil }
func (q *fakeQueue) Complete(ctx context.Context, lease *queue.Lease) error     { return nil }
func (q *fakeQueue) Abandon(ctx context.Context, lease *queue.Lease) error      { return nil }
func (q *fakeQueue) DeadLetter(ctx context.Context, lease *queue.Lease, reason string) error {
	return nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func TestTaskID_Deterministic(t *testing.T) {
	a := TaskID("job-1", 2, "3")
	b := TaskID("job-1", 2, "3")
	c := TaskID("job-1", 2, "4")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestExpandStage_IndividualEnqueueBelowThreshold(t *testing.T) {
	repo := &fakeRepo{}
	q := &fakeQueue{}
	m := &Manager{repo: repo, taskQueue: q, log: newTestLogger(t), threshold: 50}

	j := &domainjob.Job{JobID: "job-1", JobType: "helloworld"}
	defs := []domainjob.TaskDefinition{
		{TaskType: "greet", TaskIndex: "0", Parameters: json.RawMessage(`{}`)},
		{TaskType: "greet", TaskIndex: "1", Parameters: json.RawMessage(`{}`)},
	}

	err := m.ExpandStage(context.Background(), j, 1, defs)
	require.NoError(t, err)
	require.Len(t, q.sent, 2)
	require.Empty(t, q.batchSent)
	require.Len(t, repo.rows, 2)
	require.Equal(t, string(datatypes.JSON(`{}`)), string(repo.rows[0].Parameters))
}

func TestExpandStage_BatchEnqueueAtThreshold(t *testing.T) {
	repo := &fakeRepo{}
	q := &fakeQueue{}
	m := &Manager{repo: repo, taskQueue: q, log: newTestLogger(t), threshold: 2}

	j := &domainjob.Job{JobID: "job-1", JobType: "helloworld"}
	defs := []domainjob.TaskDefinition{
		{TaskType: "greet", TaskIndex: "0", Parameters: json.RawMessage(`{}`)},
		{TaskType: "greet", TaskIndex: "1", Parameters: json.RawMessage(`{}`)},
	}

	err := m.ExpandStage(context.Background(), j, 1, defs)
	require.NoError(t, err)
	require.Empty(t, q.sent)
	require.Len(t, q.batchSent, 1)
	require.Len(t, q.batchSent[0], 2)
}

func TestExpandStage_SkipsAlreadyTerminalTasks(t *testing.T) {
	stage := 1
	repo := &fakeRepo{rows: []*jobtask.TaskRow{
		{TaskID: TaskID("job-1", 1, "0"), ParentJobID: "job-1", Stage: stage, TaskIndex: "0", Status: string(domainjob.TaskCompleted)},
	}}
	q := &fakeQueue{}
	m := &Manager{repo: repo, taskQueue: q, log: newTestLogger(t), threshold: 50}

	j := &domainjob.Job{JobID: "job-1", JobType: "helloworld"}
	defs := []domainjob.TaskDefinition{
		{TaskType: "greet", TaskIndex: "0", Parameters: json.RawMessage(`{}`)},
		{TaskType: "greet", TaskIndex: "1", Parameters: json.RawMessage(`{}`)},
	}

	err := m.ExpandStage(context.Background(), j, 1, defs)
	require.NoError(t, err)
	require.Len(t, q.sent, 1, "only the still-queued task should be re-enqueued")
}
