package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedisWithRetry parses url and waits until the server answers PING.
func ConnectRedisWithRetry(ctx context.Context, url string, maxWait time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	err = retry(ctx, "redis", maxWait, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return cli.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}
