package app

import (
	"time"

	"github.com/fieldmesh/coremachine/internal/platform/envutil"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// Config is every environment-derived setting CoreMachine needs, resolved
// once at startup (spec §6). The wiring in this package takes APP_ENV,
// REDIS_ADDR, the three queue names and OTEL_SERVICE_NAME from it; the db,
// corekernel, orchestration, queue, blob and observability packages and
// cmd/server still read their own keys from the environment directly, and
// MaxMessageBytes is not used.
type Config struct {
	AppEnv   string
	HTTPAddr string

	DBURL            string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RedisAddr string

	JobQueueName        string
	TaskQueueName       string
	DeadLetterQueueName string

	MaxRetries           int
	FanOutBatchThreshold int
	LeaseTimeout         time.Duration
	MaxMessageBytes      int

	BlobOverflowContainer string

	OtelEnabled          bool
	OtelServiceName      string
	OtelExporterEndpoint string
}

func LoadConfig(log *logger.Logger) Config {
	log.Info("loading environment configuration")
	return Config{
		AppEnv:   envutil.String("APP_ENV", "development"),
		HTTPAddr: envutil.String("HTTP_ADDR", ":8080"),

		DBURL:            envutil.String("DB_URL", ""),
		PostgresHost:     envutil.String("POSTGRES_HOST", "localhost"),
		PostgresPort:     envutil.String("POSTGRES_PORT", "5432"),
		PostgresUser:     envutil.String("POSTGRES_USER", "postgres"),
		PostgresPassword: envutil.String("POSTGRES_PASSWORD", ""),
		PostgresName:     envutil.String("POSTGRES_NAME", "coremachine"),

		RedisAddr: envutil.String("REDIS_ADDR", "localhost:6379"),

		JobQueueName:        envutil.String("JOB_QUEUE_NAME", "coremachine-jobs"),
		TaskQueueName:        envutil.String("TASK_QUEUE_NAME", "coremachine-tasks"),
		DeadLetterQueueName: envutil.String("DEAD_LETTER_QUEUE_NAME", "coremachine-dead-letter"),

		MaxRetries:           envutil.Int("MAX_RETRIES", 3),
		FanOutBatchThreshold: envutil.Int("FAN_OUT_BATCH_THRESHOLD", 50),
		LeaseTimeout:         envutil.Duration("LEASE_TIMEOUT_SECONDS", 300*time.Second),
		MaxMessageBytes:      envutil.Int("MAX_MESSAGE_BYTES", 262144),

		BlobOverflowContainer: envutil.String("BLOB_OVERFLOW_CONTAINER", "coremachine-overflow"),

		OtelEnabled:          envutil.Bool("OTEL_ENABLED", false),
		OtelServiceName:      envutil.String("OTEL_SERVICE_NAME", "coremachine"),
		OtelExporterEndpoint: envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
