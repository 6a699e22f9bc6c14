package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/fieldmesh/coremachine/internal/data/repos/blob"
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// Repos is every persistence-facing dependency the job/task pipeline is
// built on: one Postgres-backed row store plus three independent Redis
// Stream queues (job, task, dead-letter) and the blob overflow store.
type Repos struct {
	JobTask    jobtask.Repo
	JobQueue   queue.Queue
	TaskQueue  queue.Queue
	DeadLetter queue.Queue
	Blobs      blob.Repo
}

func wireRepos(ctx context.Context, db *gorm.DB, clients Clients, cfg Config, log *logger.Logger) (Repos, error) {
	log.Info("wiring repos...")

	consumer := consumerName()

	jobQ, err := queue.NewRedisQueue(clients.Redis, log, cfg.JobQueueName, consumer)
	if err != nil {
		return Repos{}, fmt.Errorf("init job queue: %w", err)
	}
	taskQ, err := queue.NewRedisQueue(clients.Redis, log, cfg.TaskQueueName, consumer)
	if err != nil {
		return Repos{}, fmt.Errorf("init task queue: %w", err)
	}
	// The dead-letter stream is only ever inspected (queue.Inspectable),
	// never consumed through Receive/Complete, but joining its consumer
	// group costs nothing and keeps construction uniform.
	dlq, err := queue.NewRedisQueue(clients.Redis, log, cfg.DeadLetterQueueName, consumer)
	if err != nil {
		return Repos{}, fmt.Errorf("init dead-letter queue: %w", err)
	}

	blobs, err := blob.New(ctx, log)
	if err != nil {
		return Repos{}, fmt.Errorf("init blob repo: %w", err)
	}

	return Repos{
		JobTask:    jobtask.NewRepo(db, log),
		JobQueue:   jobQ,
		TaskQueue:  taskQ,
		DeadLetter: dlq,
		Blobs:      blobs,
	}, nil
}
