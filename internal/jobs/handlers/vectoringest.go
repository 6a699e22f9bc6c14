package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
)

const VectorIngestJobType = "vectoringest"

// vectorIngestParams describes a geospatial vector dataset to chunk and
// load. Actual GPKG/GIS parsing is intentionally out of scope here — the
// handlers below simulate the chunking and loading shape of the pipeline
// (spec §8, S2) without a real geospatial dependency.
type vectorIngestParams struct {
	BlobName   string `json:"blob_name"`
	TableName  string `json:"table_name"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

type VectorIngestSpec struct{}

func (VectorIngestSpec) JobType() string  { return VectorIngestJobType }
func (VectorIngestSpec) TotalStages() int { return 3 }

func (VectorIngestSpec) ValidateParams(params json.RawMessage) error {
	var p vectorIngestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("decode params: %w", err))
	}
	if p.BlobName == "" || p.TableName == "" {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("blob_name and table_name are required"))
	}
	if p.ChunkSize <= 0 {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("chunk_size must be positive"))
	}
	if p.ChunkCount <= 0 {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("chunk_count must be positive"))
	}
	return nil
}

func (VectorIngestSpec) CreateTasksForStage(ctx context.Context, stage int, params, priorStageResult json.RawMessage) ([]job.TaskDefinition, error) {
	var p vectorIngestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apierr.Of(apierr.KindInvalidParams, err)
	}

	switch stage {
	case 1:
		taskParams, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return []job.TaskDefinition{{TaskType: PrepareTaskType, TaskIndex: "0", Parameters: taskParams}}, nil

	case 2:
		var stage1 []stageResultEntry
		if err := json.Unmarshal(priorStageResult, &stage1); err != nil {
			return nil, fmt.Errorf("decode stage 1 aggregate: %w", err)
		}
		if len(stage1) != 1 || stage1[0].Status != string(job.TaskCompleted) {
			return nil, fmt.Errorf("vectoringest: prepare task did not complete successfully")
		}
		var prep prepareResult
		if err := json.Unmarshal(stage1[0].Result, &prep); err != nil {
			return nil, fmt.Errorf("decode prepare result: %w", err)
		}
		defs := make([]job.TaskDefinition, 0, len(prep.ChunkPaths))
		for i, chunkPath := range prep.ChunkPaths {
			taskParams, err := json.Marshal(map[string]any{
				"table_name": p.TableName,
				"chunk_path": chunkPath,
			})
			if err != nil {
				return nil, err
			}
			defs = append(defs, job.TaskDefinition{
				TaskType:   ChunkIngestTaskType,
				TaskIndex:  fmt.Sprintf("%d", i),
				Parameters: taskParams,
			})
		}
		return defs, nil

	case 3:
		taskParams, err := json.Marshal(map[string]any{"table_name": p.TableName})
		if err != nil {
			return nil, err
		}
		return []job.TaskDefinition{{TaskType: StacWriteTaskType, TaskIndex: "0", Parameters: taskParams}}, nil

	default:
		return nil, fmt.Errorf("vectoringest: unexpected stage %d (total_stages=3)", stage)
	}
}

func (VectorIngestSpec) Finalize(ctx context.Context, fc job.FinalizeContext) (json.RawMessage, error) {
	var byStage map[string]json.RawMessage
	if err := json.Unmarshal(fc.StageResults, &byStage); err != nil {
		return nil, fmt.Errorf("decode stage_results: %w", err)
	}

	var stage2 []stageResultEntry
	if raw, ok := byStage["2"]; ok {
		if err := json.Unmarshal(raw, &stage2); err != nil {
			return nil, fmt.Errorf("decode stage 2 aggregate: %w", err)
		}
	}
	chunksFailed := 0
	for _, entry := range stage2 {
		if entry.Status == string(job.TaskFailed) {
			chunksFailed++
		}
	}

	var stacItemID string
	if raw, ok := byStage["3"]; ok {
		var stage3 []stageResultEntry
		if err := json.Unmarshal(raw, &stage3); err == nil && len(stage3) == 1 {
			var stac stacWriteResult
			if err := json.Unmarshal(stage3[0].Result, &stac); err == nil {
				stacItemID = stac.StacItemID
			}
		}
	}

	return json.Marshal(map[string]any{
		"chunks_failed": chunksFailed,
		"chunk_count":   len(stage2),
		"stac_item_id":  stacItemID,
	})
}

const (
	PrepareTaskType     = "vectoringest.prepare"
	ChunkIngestTaskType = "vectoringest.chunk_ingest"
	StacWriteTaskType   = "vectoringest.stac_write"
)

type prepareResult struct {
	ChunkPaths []string `json:"chunk_paths"`
	ChunkCount int      `json:"chunk_count"`
}

// PrepareHandler simulates splitting the source dataset into
// params.chunk_count pickle chunks, written under a deterministic blob
// path per chunk. A real implementation streams the GPKG/GIS source and
// writes actual chunk payloads via BlobRepo; this stub only produces the
// path manifest the rest of the pipeline depends on.
func PrepareHandler(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p vectorIngestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode prepare params: %w", err)
	}
	paths := make([]string, 0, p.ChunkCount)
	for i := 0; i < p.ChunkCount; i++ {
		paths = append(paths, fmt.Sprintf("vectoringest/%s/chunk-%05d.pkl", p.TableName, i))
	}
	return json.Marshal(prepareResult{ChunkPaths: paths, ChunkCount: len(paths)})
}

type chunkIngestParams struct {
	TableName string `json:"table_name"`
	ChunkPath string `json:"chunk_path"`
}
type chunkIngestResult struct {
	RowsIngested int `json:"rows_ingested"`
}

// ChunkIngestHandler simulates loading one chunk into table_name.
func ChunkIngestHandler(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p chunkIngestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode chunk_ingest params: %w", err)
	}
	if p.ChunkPath == "" {
		return nil, fmt.Errorf("chunk_ingest: missing chunk_path")
	}
	return json.Marshal(chunkIngestResult{RowsIngested: 1})
}

type stacWriteParams struct {
	TableName string `json:"table_name"`
}
type stacWriteResult struct {
	StacItemID string `json:"stac_item_id"`
}

// StacWriteHandler simulates writing the STAC catalog item describing the
// now-loaded table. Real STAC/catalog integration is out of scope.
func StacWriteHandler(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p stacWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode stac_write params: %w", err)
	}
	return json.Marshal(stacWriteResult{StacItemID: "stac-" + p.TableName})
}
