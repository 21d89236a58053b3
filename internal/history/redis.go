package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/recipe-eval/internal/evaluation"
)

const defaultKey = "recipe-eval:reports"

// RedisStore keeps reports in a Redis sorted set scored by creation time.
type RedisStore struct {
	client    *redis.Client
	key       string
	retention time.Duration
}

// NewRedisStore connects to Redis.
// Returns error if connection fails.
func NewRedisStore(url string, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		key:       defaultKey,
		retention: retention,
	}, nil
}

// Save adds the report and trims entries older than the retention window.
func (rs *RedisStore) Save(ctx context.Context, report *evaluation.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	pipe := rs.client.Pipeline()
	pipe.ZAdd(ctx, rs.key, redis.Z{
		Score:  float64(report.CreatedAt.UnixMilli()),
		Member: data,
	})
	if rs.retention > 0 {
		minScore := time.Now().Add(-rs.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, rs.key, "-inf", fmt.Sprintf("(%d", minScore))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

func (rs *RedisStore) List(ctx context.Context, since time.Time, limit int) ([]*evaluation.Report, error) {
	members, err := rs.client.ZRevRangeByScore(ctx, rs.key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", since.UnixMilli()),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	reports := make([]*evaluation.Report, 0, len(members))
	for _, m := range members {
		var r evaluation.Report
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			// Skip invalid entries
			continue
		}
		reports = append(reports, &r)
	}
	return reports, nil
}

// Clear deletes every stored report.
func (rs *RedisStore) Clear(ctx context.Context) error {
	if err := rs.client.Del(ctx, rs.key).Err(); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
