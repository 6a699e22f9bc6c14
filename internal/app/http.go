package app

import (
	"gorm.io/gorm"

	goredis "github.com/redis/go-redis/v9"

	coremachinehttp "github.com/fieldmesh/coremachine/internal/http"
	"github.com/fieldmesh/coremachine/internal/http/handlers"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

func wireHTTP(log *logger.Logger, db *gorm.DB, rdb *goredis.Client, repos Repos, engine Engine) *coremachinehttp.Server {
	log.Info("wiring http handlers and router...")

	cfg := coremachinehttp.RouterConfig{
		JobHandler:        handlers.NewJobHandler(repos.JobTask, engine.Kernel),
		PlatformHandler:   handlers.NewPlatformHandler(engine.Platform),
		HealthHandler:     handlers.NewHealthHandler(db, rdb),
		DeadLetterHandler: handlers.NewDeadLetterHandler(repos.DeadLetter),
	}
	return coremachinehttp.NewServer(log, cfg)
}
