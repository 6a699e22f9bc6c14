package app

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// Clients holds the raw connections wireRepos builds repositories on top
// of. Kept separate from Repos so Close can tear down connections in the
// right order regardless of how the repo layer wraps them.
type Clients struct {
	Redis *goredis.Client
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("wiring clients...")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return Clients{}, fmt.Errorf("redis ping: %w", err)
	}

	return Clients{Redis: rdb}, nil
}

func (c *Clients) Close() {
	if c == nil || c.Redis == nil {
		return
	}
	_ = c.Redis.Close()
	c.Redis = nil
}

// consumerName identifies this process's consumer identity on every Redis
// Stream consumer group it joins (spec §4.1: unique per process so
// XAUTOCLAIM can distinguish a live consumer's backlog from a dead one's).
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coremachine"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
