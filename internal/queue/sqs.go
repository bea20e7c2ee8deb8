package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSConfig points the queue at one SQS queue URL.
type SQSConfig struct {
	QueueURL string
	Region   string
	Endpoint string
}

// SQSQueue implements Queue on AWS SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue builds an SQS-backed queue.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, fmt.Errorf("queue url required")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &SQSQueue{client: client, queueURL: cfg.QueueURL}, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, message JobMessage) error {
	if err := message.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"videoId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(message.VideoID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send job message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Received, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10
	}
	waitSeconds := int32(wait / time.Second)
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > 20 {
		waitSeconds = 20
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"videoId"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive job messages: %w", err)
	}

	deliveries := make([]Received, 0, len(result.Messages))
	for _, raw := range result.Messages {
		message, err := ParseJobMessage(aws.ToString(raw.Body))
		if err != nil {
			// Malformed payloads are acknowledged immediately so they
			// do not poison the queue.
			_ = q.Acknowledge(ctx, aws.ToString(raw.ReceiptHandle))
			continue
		}
		deliveries = append(deliveries, Received{
			ID:      aws.ToString(raw.MessageId),
			Handle:  aws.ToString(raw.ReceiptHandle),
			Message: message,
		})
	}
	return deliveries, nil
}

func (q *SQSQueue) Acknowledge(ctx context.Context, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("delete job message: %w", err)
	}
	return nil
}

var _ Queue = (*SQSQueue)(nil)
