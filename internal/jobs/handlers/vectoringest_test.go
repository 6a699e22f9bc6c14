package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/coremachine/internal/domain/job"
)

func TestVectorIngestSpec_Stage1ProducesSinglePrepareTask(t *testing.T) {
	spec := VectorIngestSpec{}
	params := mustMarshal(t, map[string]any{
		"blob_name": "x.gpkg", "table_name": "t", "chunk_size": 10000, "chunk_count": 200,
	})

	defs, err := spec.CreateTasksForStage(context.Background(), 1, params, nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, PrepareTaskType, defs[0].TaskType)
}

func TestVectorIngestSpec_Stage2FansOutPerChunk(t *testing.T) {
	spec := VectorIngestSpec{}
	params := mustMarshal(t, map[string]any{
		"blob_name": "x.gpkg", "table_name": "t", "chunk_size": 10000, "chunk_count": 200,
	})

	prepOut, err := PrepareHandler(context.Background(), params)
	require.NoError(t, err)
	stage1Agg := mustMarshal(t, []stageResultEntry{
		{TaskIndex: "0", Status: string(job.TaskCompleted), Result: prepOut},
	})

	defs, err := spec.CreateTasksForStage(context.Background(), 2, params, stage1Agg)
	require.NoError(t, err)
	require.Len(t, defs, 200)
	require.Equal(t, ChunkIngestTaskType, defs[0].TaskType)
}

func TestVectorIngestSpec_FinalizeCountsFailedChunks(t *testing.T) {
	spec := VectorIngestSpec{}
	stage2 := make([]stageResultEntry, 0, 5)
	for i := 0; i < 5; i++ {
		status := string(job.TaskCompleted)
		if i < 3 {
			status = string(job.TaskFailed)
		}
		stage2 = append(stage2, stageResultEntry{TaskIndex: string(rune('0' + i)), Status: status})
	}
	stacOut, err := StacWriteHandler(context.Background(), mustMarshal(t, map[string]any{"table_name": "t"}))
	require.NoError(t, err)

	stageResults := mustMarshal(t, map[string]json.RawMessage{
		"2": mustMarshal(t, stage2),
		"3": mustMarshal(t, []stageResultEntry{{TaskIndex: "0", Status: string(job.TaskCompleted), Result: stacOut}}),
	})

	result, err := spec.Finalize(context.Background(), job.FinalizeContext{StageResults: stageResults})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	require.EqualValues(t, 3, out["chunks_failed"])
	require.Equal(t, "stac-t", out["stac_item_id"])
}
