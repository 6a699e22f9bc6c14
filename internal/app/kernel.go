package app

import (
	"context"

	"github.com/fieldmesh/coremachine/internal/jobs/corekernel"
	"github.com/fieldmesh/coremachine/internal/jobs/orchestration"
	"github.com/fieldmesh/coremachine/internal/jobs/registry"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
	"github.com/fieldmesh/coremachine/internal/platformlayer"
)

// Engine bundles the orchestration/dispatch machinery (spec §4) with the
// external submission surface (spec §4.6 PlatformLayer) built on top of it.
type Engine struct {
	Orchestration *orchestration.Manager
	Kernel        *corekernel.Kernel
	Platform      *platformlayer.Layer
}

func wireEngine(repos Repos, reg *registry.Registry, log *logger.Logger) Engine {
	log.Info("wiring orchestration and core kernel...")
	orch := orchestration.New(repos.JobTask, repos.TaskQueue, log)
	kernel := corekernel.New(repos.JobTask, repos.JobQueue, repos.TaskQueue, orch, reg, log)
	layer := platformlayer.New(repos.JobTask, kernel, repos.Blobs, reg, log)
	return Engine{Orchestration: orch, Kernel: kernel, Platform: layer}
}

// startWorkers launches the two dispatch loops (spec §5: "parallel workers
// consume from two queues") as background goroutines bound to ctx.
func (e Engine) startWorkers(ctx context.Context) {
	go e.Kernel.RunJobLoop(ctx)
	go e.Kernel.RunTaskLoop(ctx)
}
