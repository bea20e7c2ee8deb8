// Command dispatcher turns queued transcode jobs into Fargate worker tasks.
//
// Inside AWS Lambda it serves SQS event batches and reports per-message
// failures so only those messages are retried. Outside Lambda it long-polls
// the queue directly, which suits container and local deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"visionsync/internal/dispatch"
	"visionsync/internal/objectstore"
	"visionsync/internal/observability/logging"
	"visionsync/internal/queue"
)

const (
	receiveBatchSize = 10
	receiveWait      = 20 * time.Second
)

func main() {
	_ = godotenv.Load()

	cluster := flag.String("ecs-cluster", "", "ECS cluster running worker tasks")
	taskDefinition := flag.String("ecs-task-definition", "", "ECS task definition for the worker")
	containerName := flag.String("ecs-container", "", "container name inside the worker task definition")
	subnets := flag.String("ecs-subnets", "", "comma separated subnet IDs for worker tasks")
	securityGroups := flag.String("ecs-security-groups", "", "comma separated security group IDs for worker tasks")
	assignPublicIP := flag.Bool("ecs-public-ip", false, "assign public IPs to worker tasks")
	region := flag.String("region", "", "AWS region")
	outputBucket := flag.String("output-bucket", "", "S3 bucket workers write renditions to")
	webhookURL := flag.String("webhook-url", "", "completion webhook workers call back")
	maxProcessing := flag.Duration("max-processing", 0, "worker encode wall clock limit")
	economyFraction := flag.Float64("economy-fraction", 0, "fraction of small jobs routed to spot capacity")
	standardBytes := flag.Int64("standard-tier-bytes", 0, "inputs at or above this size always run on-demand")
	uploadBucket := flag.String("upload-bucket", "", "S3 bucket holding raw uploads, used for size lookups")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 endpoint override")
	sqsQueueURL := flag.String("sqs-queue-url", "", "SQS queue URL to poll when running outside Lambda")
	sqsEndpoint := flag.String("sqs-endpoint", "", "SQS endpoint override")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VISIONSYNC_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VISIONSYNC_LOG_FORMAT")),
	})
	logger = logging.WithComponent(logger, "dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := dispatch.NewECSLauncher(ctx, dispatch.ECSConfig{
		Cluster:              firstNonEmpty(*cluster, os.Getenv("VISIONSYNC_ECS_CLUSTER")),
		TaskDefinition:       firstNonEmpty(*taskDefinition, os.Getenv("VISIONSYNC_ECS_TASK_DEFINITION")),
		ContainerName:        firstNonEmpty(*containerName, os.Getenv("VISIONSYNC_ECS_CONTAINER")),
		Subnets:              splitAndTrim(firstNonEmpty(*subnets, os.Getenv("VISIONSYNC_ECS_SUBNETS"))),
		SecurityGroups:       splitAndTrim(firstNonEmpty(*securityGroups, os.Getenv("VISIONSYNC_ECS_SECURITY_GROUPS"))),
		AssignPublicIP:       resolveBool(*assignPublicIP, "VISIONSYNC_ECS_PUBLIC_IP"),
		Region:               firstNonEmpty(*region, os.Getenv("VISIONSYNC_REGION"), os.Getenv("AWS_REGION")),
		OutputBucket:         firstNonEmpty(*outputBucket, os.Getenv("VISIONSYNC_OUTPUT_BUCKET")),
		WebhookURL:           firstNonEmpty(*webhookURL, os.Getenv("VISIONSYNC_WEBHOOK_URL")),
		MaxProcessingSeconds: int(resolveDuration(*maxProcessing, "VISIONSYNC_MAX_PROCESSING", 0) / time.Second),
	})
	if err != nil {
		logger.Error("failed to configure ecs launcher", "error", err)
		os.Exit(1)
	}

	options := []dispatch.Option{}
	rawBucket := firstNonEmpty(*uploadBucket, os.Getenv("VISIONSYNC_UPLOAD_BUCKET"))
	if rawBucket != "" {
		objects, err := objectstore.New(ctx, objectstore.Config{
			Region:       firstNonEmpty(*region, os.Getenv("VISIONSYNC_REGION"), os.Getenv("AWS_REGION")),
			Endpoint:     firstNonEmpty(*s3Endpoint, os.Getenv("VISIONSYNC_S3_ENDPOINT")),
			UploadBucket: rawBucket,
		})
		if err != nil {
			logger.Error("failed to configure object storage", "error", err)
			os.Exit(1)
		}
		options = append(options, dispatch.WithObjectSizer(objects))
	} else {
		logger.Warn("no upload bucket configured, tier policy will skip size checks")
	}

	dispatcher := dispatch.New(launcher, dispatch.Config{
		EconomyFraction:   resolveFloat(*economyFraction, "VISIONSYNC_ECONOMY_FRACTION"),
		StandardTierBytes: resolveInt64(*standardBytes, "VISIONSYNC_STANDARD_TIER_BYTES"),
	}, logger, options...)

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.StartWithOptions(lambdaHandler(dispatcher, logger), lambda.WithContext(ctx))
		return
	}

	consumer, err := queue.NewSQSQueue(ctx, queue.SQSConfig{
		QueueURL: firstNonEmpty(*sqsQueueURL, os.Getenv("VISIONSYNC_SQS_QUEUE_URL")),
		Region:   firstNonEmpty(*region, os.Getenv("VISIONSYNC_REGION"), os.Getenv("AWS_REGION")),
		Endpoint: firstNonEmpty(*sqsEndpoint, os.Getenv("VISIONSYNC_SQS_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to configure sqs consumer", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatcher polling queue")
	pollLoop(ctx, consumer, dispatcher, logger)
	logger.Info("dispatcher stopped")
}

// lambdaHandler adapts SQS event batches to the dispatcher. Messages that
// fail to launch are reported back so SQS redelivers only those; messages
// with unparseable bodies are dropped since a retry cannot fix them.
func lambdaHandler(dispatcher *dispatch.Dispatcher, logger *slog.Logger) func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		deliveries := make([]queue.Received, 0, len(event.Records))
		for _, record := range event.Records {
			message, err := queue.ParseJobMessage(record.Body)
			if err != nil {
				logger.Warn("dropping malformed job message",
					"message_id", record.MessageId,
					"error", err)
				continue
			}
			deliveries = append(deliveries, queue.Received{
				ID:      record.MessageId,
				Handle:  record.ReceiptHandle,
				Message: message,
			})
		}

		result := dispatcher.HandleBatch(ctx, deliveries)

		response := events.SQSEventResponse{}
		for _, id := range result.Failed {
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: id})
		}
		return response, nil
	}
}

// pollLoop long-polls the queue until the context is cancelled. Only
// successfully dispatched deliveries are acknowledged; the rest return to
// the queue after the visibility timeout.
func pollLoop(ctx context.Context, consumer queue.Consumer, dispatcher *dispatch.Dispatcher, logger *slog.Logger) {
	for {
		deliveries, err := consumer.Receive(ctx, receiveBatchSize, receiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}

		handles := make(map[string]string, len(deliveries))
		for _, delivery := range deliveries {
			handles[delivery.ID] = delivery.Handle
		}

		result := dispatcher.HandleBatch(ctx, deliveries)
		for _, id := range result.Started {
			if err := consumer.Acknowledge(ctx, handles[id]); err != nil {
				logger.Warn("failed to acknowledge delivery",
					"message_id", id,
					"error", err)
			}
		}
	}
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

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
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
