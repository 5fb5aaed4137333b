package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helm-labs/council/pkg/contracts"
)

// RedisBus publishes AuditEvents onto a per-task Redis Stream, giving
// out-of-process subscribers (dashboards, external auditors) the same
// ordered, at-least-once fan-out the in-process Bus gives local
// subscribers. It never replaces the Provenance Store as the durability
// boundary — Redis streams are a distribution mechanism, not the source of
// truth.
type RedisBus struct {
	client       *redis.Client
	streamTTL    time.Duration
	maxLenApprox int64
}

// NewRedisBus wraps an existing client. streamTTL bounds how long a task's
// stream is retained after its last write; maxLenApprox caps its length
// (approximate trim, matching Redis's own MAXLEN ~ semantics).
func NewRedisBus(client *redis.Client, streamTTL time.Duration, maxLenApprox int64) *RedisBus {
	return &RedisBus{client: client, streamTTL: streamTTL, maxLenApprox: maxLenApprox}
}

func streamKey(taskID string) string {
	return "council:audit:" + taskID
}

// Publish appends e to its task's stream. Errors are logged by the caller's
// choice — Redis unavailability must never block or fail the synchronous
// AppendEvent→Publish path: durability precedes visibility is satisfied by
// the Provenance Store, not by this best-effort fan-out.
func (b *RedisBus) Publish(ctx context.Context, e contracts.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis bus: marshal event: %w", err)
	}

	key := streamKey(e.TaskID)
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLenApprox,
		Approx: b.maxLenApprox > 0,
		Values: map[string]interface{}{"event": payload},
	})
	if b.streamTTL > 0 {
		pipe.Expire(ctx, key, b.streamTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bus: publish task %s: %w", e.TaskID, err)
	}
	return nil
}

// Replay reads every event recorded for taskID from its Redis stream, in
// stream order, for a subscriber reconnecting after a disconnect.
func (b *RedisBus) Replay(ctx context.Context, taskID string) ([]contracts.AuditEvent, error) {
	entries, err := b.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis bus: replay task %s: %w", taskID, err)
	}
	events := make([]contracts.AuditEvent, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["event"].(string)
		if !ok {
			continue
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("redis bus: decode entry %s: %w", e.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
