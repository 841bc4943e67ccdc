package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"safety-timer/internal/config"
)

// RedisQueue keeps one delayed fire job per timer id in Redis. Scheduled jobs
// live in a sorted set scored by fire time; claimed jobs move to an in-flight
// set scored by lease deadline until they are acked.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// Options configures a queue built around an existing client.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	DLQName           string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})
}

// NewWithClient wraps client. Zero options fall back to defaults.
func NewWithClient(client *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "timers"
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = prefix + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		metaPrefix:    prefix + ":meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// VisibilityTimeout is the lease length given to claimed jobs.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) metaKey(timerID string) string {
	return q.metaPrefix + timerID
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Schedule sets the fire time for timerID, replacing any earlier schedule.
// The attempt counter starts over.
func (q *RedisQueue) Schedule(ctx context.Context, timerID string, fireAt time.Time) error {
	if timerID == "" {
		return errors.New("timer id is required")
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: timerID})
	pipe.HSet(ctx, q.metaKey(timerID), "fire_at", fireAt.UnixMilli())
	pipe.HDel(ctx, q.metaKey(timerID), "attempts")
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a scheduled job. It reports false when nothing was waiting,
// which includes jobs already claimed by a worker.
func (q *RedisQueue) Cancel(ctx context.Context, timerID string) (bool, error) {
	res, err := cancelScript.Run(ctx, q.client, []string{q.scheduledKey, q.metaKey(timerID)}, timerID).Int64()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// ClaimDue atomically moves up to limit jobs whose fire time has passed into
// the in-flight set and returns their ids in fire order.
func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	deadline := now.Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), deadline, limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, timerID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: timerID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, timerID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, timerID)
	pipe.Del(ctx, q.metaKey(timerID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns jobs whose lease ran out to the scheduled set so they
// fire again right away.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.scheduledKey},
		now.UnixMilli(), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Retry releases an in-flight job back to the scheduled set at runAt and
// returns how many failed attempts it has now accumulated.
func (q *RedisQueue) Retry(ctx context.Context, timerID string, runAt time.Time) (int, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, q.metaKey(timerID), "attempts", 1)
	pipe.ZRem(ctx, q.inflightKey, timerID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: timerID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Attempts reports the failed fire attempts recorded for timerID.
func (q *RedisQueue) Attempts(ctx context.Context, timerID string) (int, error) {
	v, err := q.client.HGet(ctx, q.metaKey(timerID), "attempts").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse attempts for %s: %w", timerID, err)
	}
	return n, nil
}

// FireAt returns the scheduled fire time for timerID, if it is waiting.
func (q *RedisQueue) FireAt(ctx context.Context, timerID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.scheduledKey, timerID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Pending reports whether timerID is scheduled or currently claimed.
func (q *RedisQueue) Pending(ctx context.Context, timerID string) (bool, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZScore(ctx, q.scheduledKey, timerID)
	inflight := pipe.ZScore(ctx, q.inflightKey, timerID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return scheduled.Err() == nil || inflight.Err() == nil, nil
}

// DLQPush parks a job that kept failing, together with the last error.
func (q *RedisQueue) DLQPush(ctx context.Context, timerID, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, timerID)
	pipe.ZRem(ctx, q.scheduledKey, timerID)
	pipe.HSet(ctx, q.metaKey(timerID), "last_error", reason)
	pipe.RPush(ctx, q.dlqKey, timerID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered timer ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ScheduledDepth is the number of jobs waiting to fire.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// InflightDepth is the number of claimed, unacked jobs.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed > 0 then
  redis.call('DEL', KEYS[2])
end
return removed
`)

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return due
`)

var requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return expired
`)
