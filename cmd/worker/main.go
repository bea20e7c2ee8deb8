// Command worker transcodes one uploaded video into a DASH package. It runs
// as a single-shot ECS Fargate task: the dispatcher passes the job through
// the task environment, the worker reports the result to the completion
// webhook and exits.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"visionsync/internal/objectstore"
	"visionsync/internal/observability/logging"
	"visionsync/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  os.Getenv("VISIONSYNC_LOG_LEVEL"),
		Format: os.Getenv("VISIONSYNC_LOG_FORMAT"),
	})
	logger = logging.WithComponent(logger, "worker")

	cfg, err := worker.FromEnv()
	if err != nil {
		logger.Error("invalid worker environment", "error", err)
		os.Exit(1)
	}
	logger = logger.With("video_id", cfg.VideoID, "tier", cfg.Tier())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(ctx, objectstore.Config{
		Region:       os.Getenv("AWS_REGION"),
		Endpoint:     os.Getenv("VISIONSYNC_S3_ENDPOINT"),
		UploadBucket: cfg.VideoBucket,
		OutputBucket: cfg.OutputBucket,
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	processor, err := worker.New(cfg, objects, logger)
	if err != nil {
		logger.Error("failed to initialise processor", "error", err)
		os.Exit(1)
	}

	if err := processor.Process(ctx); err != nil {
		logger.Error("processing failed", "error", err)
		os.Exit(1)
	}

	logger.Info("processing complete")
}
