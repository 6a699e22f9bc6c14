// Package handlers holds the built-in JobSpec/Handler implementations
// registered at startup (spec §8, scenarios S1/S2). HelloWorldSpec is the
// minimal 2-stage pipeline (n greeting tasks, then one reply task per
// completed greeting) used to exercise the kernel end-to-end without any
// external dependency.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/platform/apierr"
)

const HelloWorldJobType = "helloworld"

type helloWorldParams struct {
	N       int    `json:"n"`
	Message string `json:"message"`
}

type HelloWorldSpec struct{}

func (HelloWorldSpec) JobType() string  { return HelloWorldJobType }
func (HelloWorldSpec) TotalStages() int { return 2 }

func (HelloWorldSpec) ValidateParams(params json.RawMessage) error {
	var p helloWorldParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("decode params: %w", err))
	}
	if p.N <= 0 {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("n must be positive, got %d", p.N))
	}
	if p.Message == "" {
		return apierr.Of(apierr.KindInvalidParams, fmt.Errorf("message is required"))
	}
	return nil
}

// CreateTasksForStage expands stage 1 into n greeting tasks, and stage 2
// into n reply tasks — one per stage-1 task, consuming its greeting.
func (HelloWorldSpec) CreateTasksForStage(ctx context.Context, stage int, params, priorStageResult json.RawMessage) ([]job.TaskDefinition, error) {
	var p helloWorldParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apierr.Of(apierr.KindInvalidParams, err)
	}

	switch stage {
	case 1:
		defs := make([]job.TaskDefinition, 0, p.N)
		for i := 0; i < p.N; i++ {
			taskParams, err := json.Marshal(map[string]any{"index": i, "message": p.Message})
			if err != nil {
				return nil, err
			}
			defs = append(defs, job.TaskDefinition{
				TaskType:   GreetTaskType,
				TaskIndex:  strconv.Itoa(i),
				Parameters: taskParams,
			})
		}
		return defs, nil
	case 2:
		var stage1 []stageResultEntry
		if err := json.Unmarshal(priorStageResult, &stage1); err != nil {
			return nil, fmt.Errorf("decode stage 1 aggregate: %w", err)
		}
		defs := make([]job.TaskDefinition, 0, len(stage1))
		for _, entry := range stage1 {
			if entry.Status != string(job.TaskCompleted) {
				continue
			}
			var greeted greetResult
			if err := json.Unmarshal(entry.Result, &greeted); err != nil {
				return nil, fmt.Errorf("decode greeting for task_index %s: %w", entry.TaskIndex, err)
			}
			taskParams, err := json.Marshal(map[string]any{"greeting": greeted.Greeting})
			if err != nil {
				return nil, err
			}
			defs = append(defs, job.TaskDefinition{
				TaskType:   ReplyTaskType,
				TaskIndex:  entry.TaskIndex,
				Parameters: taskParams,
			})
		}
		return defs, nil
	default:
		return nil, fmt.Errorf("helloworld: unexpected stage %d (total_stages=2)", stage)
	}
}

func (HelloWorldSpec) Finalize(ctx context.Context, fc job.FinalizeContext) (json.RawMessage, error) {
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
	replies := make([]string, 0, len(stage2))
	for _, entry := range stage2 {
		if entry.Status != string(job.TaskCompleted) {
			continue
		}
		var r replyResult
		if err := json.Unmarshal(entry.Result, &r); err == nil {
			replies = append(replies, r.Reply)
		}
	}
	return json.Marshal(map[string]any{
		"total_greetings": len(replies),
		"replies":         replies,
	})
}

// stageResultEntry mirrors the generic aggregate shape
// internal/data/repos/jobtask.aggregateStageResults produces.
type stageResultEntry struct {
	TaskIndex string          `json:"task_index"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

const (
	GreetTaskType = "helloworld.greet"
	ReplyTaskType = "helloworld.reply"
)

type greetParams struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}
type greetResult struct {
	Greeting string `json:"greeting"`
}

// GreetHandler produces stage 1's per-index greeting (spec §8, S1).
func GreetHandler(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p greetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode greet params: %w", err)
	}
	return json.Marshal(greetResult{Greeting: fmt.Sprintf("%s #%d", p.Message, p.Index)})
}

type replyParams struct {
	Greeting string `json:"greeting"`
}
type replyResult struct {
	Reply string `json:"reply"`
}

// ReplyHandler produces stage 2's reply to a stage-1 greeting.
func ReplyHandler(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p replyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode reply params: %w", err)
	}
	return json.Marshal(replyResult{Reply: "re: " + p.Greeting})
}
