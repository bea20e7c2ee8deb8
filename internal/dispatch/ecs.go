package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// ECSConfig identifies the cluster, task definition, and network placement
// for worker tasks.
type ECSConfig struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
	Region         string

	OutputBucket string
	WebhookURL   string

	// MaxProcessingSeconds caps the worker's encode wall clock.
	MaxProcessingSeconds int
}

// ECSLauncher starts Fargate worker tasks. The economy tier runs on
// FARGATE_SPOT capacity, the standard tier on on-demand FARGATE.
type ECSLauncher struct {
	client *ecs.Client
	cfg    ECSConfig
}

// NewECSLauncher builds an ECS-backed launcher.
func NewECSLauncher(ctx context.Context, cfg ECSConfig) (*ECSLauncher, error) {
	if strings.TrimSpace(cfg.Cluster) == "" {
		return nil, fmt.Errorf("ecs cluster required")
	}
	if strings.TrimSpace(cfg.TaskDefinition) == "" {
		return nil, fmt.Errorf("ecs task definition required")
	}
	if strings.TrimSpace(cfg.ContainerName) == "" {
		cfg.ContainerName = "video-processor"
	}
	if cfg.MaxProcessingSeconds <= 0 {
		cfg.MaxProcessingSeconds = 1800
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ECSLauncher{client: ecs.NewFromConfig(awsCfg), cfg: cfg}, nil
}

func (l *ECSLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	assignIP := ecstypes.AssignPublicIpDisabled
	if l.cfg.AssignPublicIP {
		assignIP = ecstypes.AssignPublicIpEnabled
	}

	input := &ecs.RunTaskInput{
		Cluster:                  aws.String(l.cfg.Cluster),
		TaskDefinition:           aws.String(l.cfg.TaskDefinition),
		CapacityProviderStrategy: capacityStrategy(req.Tier),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        l.cfg.Subnets,
				SecurityGroups: l.cfg.SecurityGroups,
				AssignPublicIp: assignIP,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(l.cfg.ContainerName),
				Environment: l.workerEnvironment(req),
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("VideoId"), Value: aws.String(req.Job.VideoID)},
			{Key: aws.String("Purpose"), Value: aws.String("VideoProcessing")},
			{Key: aws.String("Tier"), Value: aws.String(string(req.Tier))},
		},
	}

	result, err := l.client.RunTask(ctx, input)
	if err != nil {
		return &LaunchError{Tier: req.Tier, Retryable: false, Err: err}
	}
	if len(result.Failures) > 0 {
		failure := result.Failures[0]
		reason := aws.ToString(failure.Reason)
		return &LaunchError{
			Tier:      req.Tier,
			Retryable: isCapacityFailure(reason),
			Err:       fmt.Errorf("run task failed: %s %s", reason, aws.ToString(failure.Detail)),
		}
	}
	if len(result.Tasks) == 0 {
		return &LaunchError{Tier: req.Tier, Retryable: true, Err: fmt.Errorf("no tasks started")}
	}
	return nil
}

// workerEnvironment injects the per-job parameters the worker reads at boot.
func (l *ECSLauncher) workerEnvironment(req LaunchRequest) []ecstypes.KeyValuePair {
	preset := "fast"
	threads := "2"
	priority := "normal"
	instanceType := "on-demand"
	if req.Tier == TierEconomy {
		preset = "medium"
		threads = "1"
		priority = "low"
		instanceType = "spot"
	}
	pair := func(name, value string) ecstypes.KeyValuePair {
		return ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(value)}
	}
	return []ecstypes.KeyValuePair{
		pair("VIDEO_BUCKET", req.Job.BucketName),
		pair("VIDEO_FILE_NAME", req.Job.FileName),
		pair("VIDEO_ID", req.Job.VideoID),
		pair("OUTPUT_BUCKET", l.cfg.OutputBucket),
		pair("WEBHOOK_URL", l.cfg.WebhookURL),
		pair("ENCODE_TIER", string(req.Tier)),
		pair("FFMPEG_PRESET", preset),
		pair("FFMPEG_THREADS", threads),
		pair("PROCESSING_PRIORITY", priority),
		pair("INSTANCE_TYPE", instanceType),
		pair("MAX_PROCESSING_TIME", strconv.Itoa(l.cfg.MaxProcessingSeconds)),
	}
}

func capacityStrategy(tier Tier) []ecstypes.CapacityProviderStrategyItem {
	if tier == TierEconomy {
		return []ecstypes.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String("FARGATE_SPOT"), Weight: 1},
		}
	}
	return []ecstypes.CapacityProviderStrategyItem{
		{CapacityProvider: aws.String("FARGATE"), Weight: 1},
	}
}

// isCapacityFailure classifies RunTask failure reasons. Capacity and
// resource exhaustion are worth retrying on the standard tier; anything else
// (bad parameters, missing task definition) is not.
func isCapacityFailure(reason string) bool {
	lowered := strings.ToLower(reason)
	return strings.Contains(lowered, "capacity") || strings.HasPrefix(reason, "RESOURCE")
}

var _ Launcher = (*ECSLauncher)(nil)
