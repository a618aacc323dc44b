package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/privyscan/privyscan/internal/logger"
)

// Config holds Redis connection settings.
type Config struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// Connect parses the Redis URL, applies overrides and verifies the
// connection with a ping.
func Connect(config Config, log *logger.Logger) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       config.URL,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	}

	if config.URL != "" {
		parsedOpts, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsedOpts
		if config.Password != "" {
			opts.Password = config.Password
		}
		if config.MaxRetries > 0 {
			opts.MaxRetries = config.MaxRetries
		}
		if config.PoolSize > 0 {
			opts.PoolSize = config.PoolSize
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis", "addr", opts.Addr)
	return client, nil
}
