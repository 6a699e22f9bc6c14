package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	coremachinehttp "github.com/fieldmesh/coremachine/internal/http"
	"github.com/fieldmesh/coremachine/internal/data/db"
	"github.com/fieldmesh/coremachine/internal/observability"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// App is the fully wired process: HTTP surface plus the two background
// dispatch loops, sharing one database pool and one set of queues.
type App struct {
	Log     *logger.Logger
	DB      *gorm.DB
	Server  *coremachinehttp.Server
	Cfg     Config
	Clients Clients
	Repos   Repos
	Engine  Engine

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("APP_ENV")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)

	otelShutdown := observability.Init(context.Background(), log, observability.Config{
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.AppEnv,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.Migrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	theDB := pg.DB()

	clients, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init clients: %w", err)
	}

	repos, err := wireRepos(context.Background(), theDB, clients, cfg, log)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, fmt.Errorf("init repos: %w", err)
	}

	reg := wireRegistry(log)
	engine := wireEngine(repos, reg, log)
	server := wireHTTP(log, theDB, clients.Redis, repos, engine)

	return &App{
		Log:          log,
		DB:           theDB,
		Server:       server,
		Cfg:          cfg,
		Clients:      clients,
		Repos:        repos,
		Engine:       engine,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background job/task dispatch loops. Safe to call at
// most once; a no-op on an already-started or nil App.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Engine.startWorkers(ctx)
}

func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
