// Command server starts the VisionSync API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"visionsync/internal/api"
	"visionsync/internal/auth"
	"visionsync/internal/live"
	"visionsync/internal/objectstore"
	"visionsync/internal/observability/logging"
	"visionsync/internal/observability/metrics"
	"visionsync/internal/queue"
	"visionsync/internal/server"
	"visionsync/internal/serverutil"
	"visionsync/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum presign requests per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting presign requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed presign throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed presign throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	uploadBucket := flag.String("upload-bucket", "", "S3 bucket for raw uploads")
	outputBucket := flag.String("output-bucket", "", "S3 bucket for processed renditions")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 endpoint override (e.g. http://127.0.0.1:9000)")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	s3PathStyle := flag.Bool("s3-path-style", false, "use path-style S3 addressing")
	presignExpiry := flag.Duration("presign-expiry", 0, "lifetime of presigned upload and download URLs")
	queueDriver := flag.String("queue-driver", "", "transcode queue driver (sqs or memory)")
	sqsQueueURL := flag.String("sqs-queue-url", "", "SQS queue URL for transcode jobs")
	sqsRegion := flag.String("sqs-region", "", "SQS region")
	sqsEndpoint := flag.String("sqs-endpoint", "", "SQS endpoint override")
	liveDriver := flag.String("live-queue-driver", "", "status fan-out driver (memory or redis)")
	liveRedisAddr := flag.String("live-redis-addr", "", "Redis address for status fan-out")
	liveRedisPassword := flag.String("live-redis-password", "", "Redis password for status fan-out")
	liveRedisStream := flag.String("live-redis-stream", "", "Redis stream key for status events")
	liveRedisGroup := flag.String("live-redis-group", "", "Redis consumer group for status events")
	webhookSecret := flag.String("webhook-secret", "", "shared secret workers present on the processing webhook")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VISIONSYNC_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VISIONSYNC_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(*storageDriver, *dataPath, *postgresDSN, *postgresMaxConns, *postgresMinConns, *postgresAcquireTimeout)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	objects, err := objectstore.New(ctx, objectstore.Config{
		Region:          firstNonEmpty(*s3Region, os.Getenv("VISIONSYNC_S3_REGION"), os.Getenv("AWS_REGION")),
		Endpoint:        firstNonEmpty(*s3Endpoint, os.Getenv("VISIONSYNC_S3_ENDPOINT")),
		UsePathStyle:    resolveBool(*s3PathStyle, "VISIONSYNC_S3_PATH_STYLE"),
		AccessKeyID:     firstNonEmpty(*s3AccessKey, os.Getenv("VISIONSYNC_S3_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*s3SecretKey, os.Getenv("VISIONSYNC_S3_SECRET_KEY")),
		UploadBucket:    firstNonEmpty(*uploadBucket, os.Getenv("VISIONSYNC_UPLOAD_BUCKET")),
		OutputBucket:    firstNonEmpty(*outputBucket, os.Getenv("VISIONSYNC_OUTPUT_BUCKET")),
		PresignExpiry:   resolveDuration(*presignExpiry, "VISIONSYNC_PRESIGN_EXPIRY", 0),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	jobQueue, err := configureJobQueue(ctx, *queueDriver, queue.SQSConfig{
		QueueURL: firstNonEmpty(*sqsQueueURL, os.Getenv("VISIONSYNC_SQS_QUEUE_URL")),
		Region:   firstNonEmpty(*sqsRegion, os.Getenv("VISIONSYNC_SQS_REGION"), os.Getenv("AWS_REGION")),
		Endpoint: firstNonEmpty(*sqsEndpoint, os.Getenv("VISIONSYNC_SQS_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to configure transcode queue", "error", err)
		os.Exit(1)
	}

	liveQueue, err := configureLiveQueue(*liveDriver, live.RedisQueueConfig{
		Addr:     firstNonEmpty(*liveRedisAddr, os.Getenv("VISIONSYNC_LIVE_REDIS_ADDR")),
		Password: firstNonEmpty(*liveRedisPassword, os.Getenv("VISIONSYNC_LIVE_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*liveRedisStream, os.Getenv("VISIONSYNC_LIVE_REDIS_STREAM")),
		Group:    firstNonEmpty(*liveRedisGroup, os.Getenv("VISIONSYNC_LIVE_REDIS_GROUP")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure status fan-out", "error", err)
		os.Exit(1)
	}

	gateway := live.NewGateway(live.GatewayConfig{
		Queue:    liveQueue,
		Logger:   logging.WithComponent(logger, "live"),
		Recorder: recorder,
	})
	go gateway.Run(ctx)

	handler := api.NewHandler(store)
	handler.Objects = objects
	handler.Queue = jobQueue
	handler.Live = gateway
	handler.Logger = logger
	handler.Metrics = recorder

	if secret := firstNonEmpty(*webhookSecret, os.Getenv("VISIONSYNC_WEBHOOK_SECRET")); secret != "" {
		hash, err := auth.HashSecret(secret)
		if err != nil {
			logger.Error("failed to hash webhook secret", "error", err)
			os.Exit(1)
		}
		handler.WebhookSecretHash = hash
	}

	srv, err := server.New(handler, server.Config{
		Addr: resolveListenAddr(*addr, os.Getenv("VISIONSYNC_ADDR")),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VISIONSYNC_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VISIONSYNC_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VISIONSYNC_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VISIONSYNC_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "VISIONSYNC_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "VISIONSYNC_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("VISIONSYNC_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("VISIONSYNC_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "VISIONSYNC_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VISIONSYNC_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("VisionSync API listening", "addr", srv.HTTPServer().Addr)
	logger.Info("metrics endpoint available", "path", "/metrics")

	err = serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VISIONSYNC_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VISIONSYNC_TLS_KEY")),
		},
	})
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func openStore(flagDriver, dataPath, dsn string, maxConns, minConns int, acquireTimeout time.Duration) (storage.Repository, error) {
	resolvedDSN := strings.TrimSpace(firstNonEmpty(dsn, os.Getenv("VISIONSYNC_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, os.Getenv("VISIONSYNC_STORAGE_DRIVER"))))
	if driver == "" {
		if resolvedDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	switch driver {
	case "json":
		path := firstNonEmpty(dataPath, os.Getenv("VISIONSYNC_DATA"))
		if path == "" {
			path = "data/videos.json"
		}
		return storage.NewJSONRepository(path)
	case "postgres":
		if resolvedDSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		if maxConns > 0 || minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		if acquireTimeout > 0 {
			options = append(options, storage.WithPostgresConnectTimeout(acquireTimeout))
		}
		return storage.NewPostgresRepository(resolvedDSN, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureJobQueue(ctx context.Context, driver string, cfg queue.SQSConfig) (queue.Enqueuer, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("VISIONSYNC_QUEUE_DRIVER"))))
	switch driver {
	case "", "sqs":
		if strings.TrimSpace(cfg.QueueURL) == "" {
			if driver == "sqs" {
				return nil, fmt.Errorf("sqs queue url is required")
			}
			return queue.NewMemoryQueue(256), nil
		}
		return queue.NewSQSQueue(ctx, cfg)
	case "memory":
		return queue.NewMemoryQueue(256), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func configureLiveQueue(driver string, cfg live.RedisQueueConfig, logger *slog.Logger) (live.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("VISIONSYNC_LIVE_QUEUE_DRIVER"))))
	switch driver {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for status fan-out")
		}
		cfg.Logger = logging.WithComponent(logger, "live-queue")
		return live.NewRedisQueue(cfg)
	case "", "memory":
		return live.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported live queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, envValue string) string {
	addr := strings.TrimSpace(firstNonEmpty(flagValue, envValue))
	if addr == "" {
		addr = ":8080"
	}
	return addr
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
