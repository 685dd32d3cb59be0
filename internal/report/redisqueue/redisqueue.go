// Package redisqueue implements [report.Trigger] on a Redis list. Grading
// workers consume jobs with BRPOP from the other end.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/candorlabs/viva/internal/report"
)

// Compile-time interface assertion.
var _ report.Trigger = (*Trigger)(nil)

// defaultQueueKey is the Redis list jobs are pushed onto.
const defaultQueueKey = "viva:report:jobs"

// Job is the queued grading request, serialised as JSON.
type Job struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	TranscriptRef string    `json:"transcript_ref"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Config configures a [Trigger].
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is the Redis password, empty for none.
	Password string

	// DB is the Redis database number.
	DB int

	// QueueKey is the list key jobs are pushed onto. Defaults to
	// "viva:report:jobs".
	QueueKey string
}

// Trigger pushes grading jobs onto a Redis list.
type Trigger struct {
	client   *redis.Client
	queueKey string
}

// New creates a Trigger and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Trigger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("report trigger: ping redis: %w", err)
	}

	queueKey := cfg.QueueKey
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	return &Trigger{client: client, queueKey: queueKey}, nil
}

// Submit implements [report.Trigger].
func (t *Trigger) Submit(ctx context.Context, sessionID, transcriptRef string) (string, error) {
	job := Job{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		TranscriptRef: transcriptRef,
		SubmittedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("report trigger: encode job: %w", err)
	}
	if err := t.client.LPush(ctx, t.queueKey, raw).Err(); err != nil {
		return "", fmt.Errorf("report trigger: enqueue job for %q: %w", sessionID, err)
	}
	return job.ID, nil
}

// Ping probes the Redis connection. Used by readiness checks.
func (t *Trigger) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (t *Trigger) Close() error {
	return t.client.Close()
}
