// Package registry is the process-global HandlerRegistry (spec §4.3):
// the startup-time binding from task_type/job_type names to the code that
// implements them. Lookup failures at dispatch time are fatal for the
// message (dead-lettered with reason unknown_handler), never a startup
// condition — registration is expected to be exhaustive before the
// dispatch loops start.
package registry

import (
	"fmt"
	"sync"

	"github.com/fieldmesh/coremachine/internal/domain/job"
)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]job.Handler
	specs    map[string]job.JobSpec
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]job.Handler),
		specs:    make(map[string]job.JobSpec),
	}
}

// RegisterHandler binds a task_type to its Handler. Panics on duplicate or
// empty registration: these are programmer errors caught at wiring time,
// not runtime conditions to recover from.
func (r *Registry) RegisterHandler(taskType string, h job.Handler) {
	if taskType == "" {
		panic("registry: empty task_type")
	}
	if h == nil {
		panic(fmt.Sprintf("registry: nil handler for task_type %q", taskType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		panic(fmt.Sprintf("registry: duplicate handler registration for task_type %q", taskType))
	}
	r.handlers[taskType] = h
}

// RegisterJobSpec binds a job_type to its JobSpec.
func (r *Registry) RegisterJobSpec(spec job.JobSpec) {
	if spec == nil {
		panic("registry: nil job spec")
	}
	jobType := spec.JobType()
	if jobType == "" {
		panic("registry: job spec with empty job_type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[jobType]; exists {
		panic(fmt.Sprintf("registry: duplicate job spec registration for job_type %q", jobType))
	}
	r.specs[jobType] = spec
}

// Handler looks up a task_type's Handler. The bool is false when nothing
// is registered, the signal callers translate into unknown_handler.
func (r *Registry) Handler(taskType string) (job.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// JobSpec looks up a job_type's JobSpec.
func (r *Registry) JobSpec(jobType string) (job.JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[jobType]
	return s, ok
}
