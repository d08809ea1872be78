package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/pkg/logger"
)

const replyPrefix = "reply:"

// Client caches raw completion replies so re-uploading a table does not pay
// for identical rows twice.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", host, port)),
		zap.Duration("ttl", ttl),
	)

	return newWithClient(client, ttl), nil
}

func newWithClient(client *redis.Client, ttl time.Duration) *Client {
	return &Client{client: client, ttl: ttl}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetReply(ctx context.Context, key, reply string) error {
	if err := c.client.Set(ctx, replyPrefix+key, reply, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set reply cache: %w", err)
	}
	logger.Debug("Reply cached", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *Client) GetReply(ctx context.Context, key string) (string, bool, error) {
	reply, err := c.client.Get(ctx, replyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get reply cache: %w", err)
	}

	logger.Debug("Reply cache hit", zap.String("key", key))
	return reply, true, nil
}
