package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/coremachine/internal/domain/job"
)

func TestHelloWorldSpec_CreateTasksForStage1(t *testing.T) {
	spec := HelloWorldSpec{}
	params, _ := json.Marshal(map[string]any{"n": 3, "message": "hi"})

	defs, err := spec.CreateTasksForStage(context.Background(), 1, params, nil)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	for i, d := range defs {
		require.Equal(t, GreetTaskType, d.TaskType)
		require.Equal(t, string(rune('0'+i)), d.TaskIndex)
	}
}

func TestHelloWorldSpec_Stage2ConsumesStage1Greetings(t *testing.T) {
	spec := HelloWorldSpec{}
	params, _ := json.Marshal(map[string]any{"n": 2, "message": "hi"})

	greet0, err := GreetHandler(context.Background(), mustMarshal(t, map[string]any{"index": 0, "message": "hi"}))
	require.NoError(t, err)
	greet1, err := GreetHandler(context.Background(), mustMarshal(t, map[string]any{"index": 1, "message": "hi"}))
	require.NoError(t, err)

	stage1Agg := mustMarshal(t, []stageResultEntry{
		{TaskIndex: "0", Status: string(job.TaskCompleted), Result: greet0},
		{TaskIndex: "1", Status: string(job.TaskCompleted), Result: greet1},
	})

	defs, err := spec.CreateTasksForStage(context.Background(), 2, params, stage1Agg)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, ReplyTaskType, defs[0].TaskType)
}

func TestHelloWorldSpec_Finalize(t *testing.T) {
	spec := HelloWorldSpec{}
	reply0, _ := ReplyHandler(context.Background(), mustMarshal(t, map[string]any{"greeting": "hi #0"}))
	reply1, _ := ReplyHandler(context.Background(), mustMarshal(t, map[string]any{"greeting": "hi #1"}))

	stageResults := mustMarshal(t, map[string]json.RawMessage{
		"2": mustMarshal(t, []stageResultEntry{
			{TaskIndex: "0", Status: string(job.TaskCompleted), Result: reply0},
			{TaskIndex: "1", Status: string(job.TaskCompleted), Result: reply1},
		}),
	})

	result, err := spec.Finalize(context.Background(), job.FinalizeContext{StageResults: stageResults})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	require.EqualValues(t, 2, out["total_greetings"])
}

func TestGreetHandler(t *testing.T) {
	out, err := GreetHandler(context.Background(), mustMarshal(t, map[string]any{"index": 5, "message": "hi"}))
	require.NoError(t, err)
	var r greetResult
	require.NoError(t, json.Unmarshal(out, &r))
	require.Equal(t, "hi #5", r.Greeting)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
