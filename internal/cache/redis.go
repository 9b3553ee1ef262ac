package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	revokedPrefix = "promptgate:revoked:"
	claimPrefix   = "promptgate:webhook:"
)

// Client 封装 Redis 连接，用于令牌吊销和 webhook 去重
type Client struct {
	Redis *redis.Client
}

// NewClient 按 URL 连接 Redis 并检查连通性
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("redis connected")
	return &Client{Redis: rdb}, nil
}

func (c *Client) Close() error {
	return c.Redis.Close()
}

func hashKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + hex.EncodeToString(sum[:])
}

// Claim 尝试占用事件 ID，已被占用时返回 false
func (c *Client) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.Redis.SetNX(ctx, hashKey(claimPrefix, eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release 释放事件占用，处理失败后允许 Stripe 重投
func (c *Client) Release(ctx context.Context, eventID string) error {
	return c.Redis.Del(ctx, hashKey(claimPrefix, eventID)).Err()
}

// Revoke 吊销令牌 ID，直到令牌本身过期
func (c *Client) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return c.Redis.Set(ctx, hashKey(revokedPrefix, jti), "1", ttl).Err()
}

func (c *Client) IsRevoked(ctx context.Context, jti string) (bool, error) {
	err := c.Redis.Get(ctx, hashKey(revokedPrefix, jti)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
