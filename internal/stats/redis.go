package stats

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKey = "rampart:stats"

// RedisSnapshots keeps the counter snapshot in a Redis hash so totals
// survive a control-plane restart.
type RedisSnapshots struct {
	client *redis.Client
}

func NewRedisSnapshots(addr string) (*RedisSnapshots, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisSnapshots{client: client}, nil
}

func (r *RedisSnapshots) Save(ctx context.Context, counters map[string]int64) error {
	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = v
	}
	return r.client.HSet(ctx, snapshotKey, fields).Err()
}

func (r *RedisSnapshots) Load(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (r *RedisSnapshots) Close() error { return r.client.Close() }
