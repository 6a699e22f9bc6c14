package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/coremachine/internal/domain/job"
)

type stubSpec struct{ jobType string }

func (s stubSpec) JobType() string      { return s.jobType }
func (s stubSpec) TotalStages() int     { return 1 }
func (s stubSpec) ValidateParams(json.RawMessage) error { return nil }
func (s stubSpec) CreateTasksForStage(context.Context, int, json.RawMessage, json.RawMessage) ([]job.TaskDefinition, error) {
	return nil, nil
}
func (s stubSpec) Finalize(context.Context, job.FinalizeContext) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistry_HandlerLookup(t *testing.T) {
	r := New()
	h := job.HandlerFunc(func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return p, nil
	})
	r.RegisterHandler("echo", h)

	got, ok := r.Handler("echo")
	require.True(t, ok)
	require.NotNil(t, got)

	_, ok = r.Handler("missing")
	require.False(t, ok)
}

func TestRegistry_DuplicateHandlerPanics(t *testing.T) {
	r := New()
	h := job.HandlerFunc(func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) { return p, nil })
	r.RegisterHandler("echo", h)

	require.Panics(t, func() { r.RegisterHandler("echo", h) })
}

func TestRegistry_JobSpecLookup(t *testing.T) {
	r := New()
	r.RegisterJobSpec(stubSpec{jobType: "helloworld"})

	got, ok := r.JobSpec("helloworld")
	require.True(t, ok)
	require.Equal(t, "helloworld", got.JobType())

	_, ok = r.JobSpec("missing")
	require.False(t, ok)
}
