// Package redisconn opens the shared Redis client used by the settlement lock and the live feed.
package redisconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNoURL  = errors.New("redisconn: no URL defined")
	ErrBadURL = errors.New("redisconn: URL is invalid")
)

// Open parses url (redis://host:port/db), connects, and pings. Caller must Close the client.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}
	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("can't ping redis instance: %w", err)
	}
	return rdb, nil
}
