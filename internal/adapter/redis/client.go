// Package redis subscribes to Redis pub/sub channels as an alternate message broker.
package redis

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient creates a go-redis client from a URL (e.g. "redis://localhost:6379").
// No connection is made until the first command, so an unreachable server is
// reported by Subscription.Connect and retried there.
func NewClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return goredis.NewClient(opts), nil
}
