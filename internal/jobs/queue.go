// Package jobs provides a Redis-backed delayed one-shot job queue. Delivery
// is at-least-once after the requested delay; consumers must tolerate
// duplicates.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"identra.org/internal/ids"
)

const queuePrefix = "jobs:"

// claimScript pops the single earliest-due member atomically, so two workers
// can never claim the same job.
const claimScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
  return false
end
redis.call("ZREM", KEYS[1], due[1])
return due[1]
`

// Job is the envelope stored in the queue.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Queue struct {
	client *redis.Client
	claim  *redis.Script
	now    func() time.Time
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{
		client: client,
		claim:  redis.NewScript(claimScript),
		now:    time.Now,
	}
}

// Enqueue schedules a one-shot job to fire after the delay. The member is a
// JSON envelope; the score is the fire-at time in unix milliseconds.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, delay time.Duration) error {
	if name == "" {
		return errors.New("job name is empty")
	}
	envelope, err := json.Marshal(Job{
		ID:         ids.New(),
		Name:       name,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return err
	}
	fireAt := q.now().Add(delay)
	err = q.client.ZAdd(ctx, queuePrefix+name, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: envelope,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

// Claim removes and returns the earliest job of the given name whose fire-at
// time has passed, or nil when none is due.
func (q *Queue) Claim(ctx context.Context, name string) (*Job, error) {
	res, err := q.claim.Run(ctx, q.client, []string{queuePrefix + name}, q.now().UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("claim %s: unexpected script result %T", name, res)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("claim %s: decode envelope: %w", name, err)
	}
	return &job, nil
}

// Pending reports how many jobs of the given name are scheduled.
func (q *Queue) Pending(ctx context.Context, name string) (int64, error) {
	return q.client.ZCard(ctx, queuePrefix+name).Result()
}
