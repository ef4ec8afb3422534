package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

const (
	redisReadyKey      = "openledger:jobs:ready"
	redisDelayedKey    = "openledger:jobs:delayed"
	redisProcessingKey = "openledger:jobs:processing"
)

// RedisQueue is the production transport: a ready list consumed with
// BLMOVE into a processing list (removed on Ack) plus a sorted set
// holding delayed jobs keyed by due time.
type RedisQueue struct {
	clk clock.Clock
	rdb *redis.Client

	inflight sync.Map // job id -> marshaled payload, for LREM on Ack
}

func NewRedisQueue(clk clock.Clock, rdb *redis.Client) *RedisQueue {
	return &RedisQueue{clk: clk, rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay > 0 {
		due := q.clk.Now().Add(delay)
		return q.rdb.ZAdd(ctx, redisDelayedKey, redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(payload),
		}).Err()
	}
	return q.rdb.LPush(ctx, redisReadyKey, string(payload)).Err()
}

// promoteDue moves every delayed job whose due time has passed onto the
// ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	max := strconv.FormatInt(q.clk.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, redisDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, payload := range due {
		pipe.ZRem(ctx, redisDelayedKey, payload)
		pipe.LPush(ctx, redisReadyKey, payload)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return Job{}, err
		}
		payload, err := q.rdb.BLMove(ctx, redisReadyKey, redisProcessingKey, "RIGHT", "LEFT", time.Second).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			return Job{}, err
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Unparseable payload: drop it from processing so it does not
			// wedge the worker forever.
			q.rdb.LRem(ctx, redisProcessingKey, 1, payload)
			return Job{}, err
		}
		q.inflight.Store(job.ID, payload)
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	payload, ok := q.inflight.LoadAndDelete(job.ID)
	if !ok {
		b, err := json.Marshal(job)
		if err != nil {
			return err
		}
		payload = string(b)
	}
	return q.rdb.LRem(ctx, redisProcessingKey, 1, payload).Err()
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	ready, err := q.rdb.LLen(ctx, redisReadyKey).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.rdb.ZCard(ctx, redisDelayedKey).Result()
	if err != nil {
		return 0, err
	}
	processing, err := q.rdb.LLen(ctx, redisProcessingKey).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + delayed + processing), nil
}
