// Package queue carries transcode job messages from the upload confirmation
// path to the dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// JobMessage is the wire payload enqueued when an upload is confirmed. The
// timestamp is milliseconds since epoch so redeliveries can be aged.
type JobMessage struct {
	BucketName string `json:"bucketName"`
	FileName   string `json:"fileName"`
	VideoID    string `json:"videoId"`
	Timestamp  int64  `json:"timestamp"`
}

// Validate reports whether the message carries everything a worker needs.
func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.BucketName) == "" {
		return errors.New("bucketName is required")
	}
	if strings.TrimSpace(m.FileName) == "" {
		return errors.New("fileName is required")
	}
	if strings.TrimSpace(m.VideoID) == "" {
		return errors.New("videoId is required")
	}
	return nil
}

// NewJobMessage stamps a job message with the current time.
func NewJobMessage(bucket, fileName, videoID string) JobMessage {
	return JobMessage{
		BucketName: bucket,
		FileName:   fileName,
		VideoID:    videoID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// ParseJobMessage decodes and validates a raw message body.
func ParseJobMessage(body string) (JobMessage, error) {
	var message JobMessage
	if err := json.Unmarshal([]byte(body), &message); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	if err := message.Validate(); err != nil {
		return JobMessage{}, fmt.Errorf("invalid job message: %w", err)
	}
	return message, nil
}

// Enqueuer submits transcode jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, message JobMessage) error
}

// Received is one delivery pulled from the queue. The handle is required to
// acknowledge the message.
type Received struct {
	ID      string
	Handle  string
	Message JobMessage
}

// Consumer pulls and acknowledges deliveries. The SQS implementation backs
// the long-poll dispatcher loop; the memory implementation backs tests and
// single-process deployments.
type Consumer interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]Received, error)
	Acknowledge(ctx context.Context, handle string) error
}

// Queue combines both halves.
type Queue interface {
	Enqueuer
	Consumer
}

// NewMemoryQueue initialises an in-memory queue suitable for tests and
// single-process deployments. Unacknowledged deliveries are redelivered on
// the next Receive.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		pending:  make([]Received, 0, buffer),
		inflight: make(map[string]Received),
		buffer:   buffer,
	}
}

type memoryQueue struct {
	mu       sync.Mutex
	pending  []Received
	inflight map[string]Received
	nextID   int
	buffer   int
}

func (q *memoryQueue) Enqueue(ctx context.Context, message JobMessage) error {
	if err := message.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending)+len(q.inflight) >= q.buffer {
		return errors.New("queue full")
	}
	q.nextID++
	id := fmt.Sprintf("msg-%d", q.nextID)
	q.pending = append(q.pending, Received{ID: id, Handle: id, Message: message})
	return nil
}

func (q *memoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Received, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// Redeliver anything left unacknowledged by a previous batch.
	for handle, delivery := range q.inflight {
		q.pending = append(q.pending, delivery)
		delete(q.inflight, handle)
	}

	count := max
	if count > len(q.pending) {
		count = len(q.pending)
	}
	batch := make([]Received, count)
	copy(batch, q.pending[:count])
	q.pending = q.pending[count:]
	for _, delivery := range batch {
		q.inflight[delivery.Handle] = delivery
	}
	return batch, nil
}

func (q *memoryQueue) Acknowledge(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[handle]; !ok {
		return fmt.Errorf("unknown delivery handle %q", handle)
	}
	delete(q.inflight, handle)
	return nil
}
