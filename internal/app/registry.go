package app

import (
	"github.com/fieldmesh/coremachine/internal/domain/job"
	"github.com/fieldmesh/coremachine/internal/jobs/handlers"
	"github.com/fieldmesh/coremachine/internal/jobs/registry"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// wireRegistry binds every known job_type/task_type to its JobSpec/Handler
// (spec §4.3). Registration is exhaustive and happens once at startup;
// anything reaching the dispatch loops unregistered is a dead-letter
// condition (unknown_handler), never a panic.
func wireRegistry(log *logger.Logger) *registry.Registry {
	log.Info("wiring handler registry...")
	reg := registry.New()

	reg.RegisterJobSpec(handlers.HelloWorldSpec{})
	reg.RegisterHandler(handlers.GreetTaskType, job.HandlerFunc(handlers.GreetHandler))
	reg.RegisterHandler(handlers.ReplyTaskType, job.HandlerFunc(handlers.ReplyHandler))

	reg.RegisterJobSpec(handlers.VectorIngestSpec{})
	reg.RegisterHandler(handlers.PrepareTaskType, job.HandlerFunc(handlers.PrepareHandler))
	reg.RegisterHandler(handlers.ChunkIngestTaskType, job.HandlerFunc(handlers.ChunkIngestHandler))
	reg.RegisterHandler(handlers.StacWriteTaskType, job.HandlerFunc(handlers.StacWriteHandler))

	return reg
}
