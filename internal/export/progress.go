package export

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "export:progress:"

// progressTTL keeps mirrored snapshots around long enough for dashboards to
// read terminal states without growing Redis unboundedly.
const progressTTL = 24 * time.Hour

// RedisProgressMirror publishes job progress snapshots to Redis so external
// consumers can poll without hitting the API. The in-process registry stays
// the source of truth; publishing is fire-and-forget.
type RedisProgressMirror struct {
	client *redis.Client
	debug  bool
}

// NewRedisProgressMirror wraps a Redis client as a ProgressPublisher.
func NewRedisProgressMirror(client *redis.Client, debug bool) *RedisProgressMirror {
	return &RedisProgressMirror{client: client, debug: debug}
}

// Publish mirrors the snapshot. Never blocks the caller and never fails the
// job; Redis errors are only visible at debug level.
func (m *RedisProgressMirror) Publish(job *Job) {
	payload, err := json.Marshal(map[string]interface{}{
		"exportId":      job.ID,
		"status":        job.Status,
		"totalRows":     job.Progress.TotalRows,
		"processedRows": job.Progress.ProcessedRows,
		"percentage":    job.Progress.Percentage,
		"updatedAt":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.client.Set(ctx, progressKeyPrefix+job.ID, payload, progressTTL).Err(); err != nil && m.debug {
			log.Printf("[Progress] Mirror write for job %s: %v", job.ID, err)
		}
	}()
}
