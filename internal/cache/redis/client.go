package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

const keyPrefix = "intelpipe:"

// Client caches assessments and embeddings keyed by content hash so that
// unchanged records keep their earlier verdict across runs.
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
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Client{client: client, ttl: ttl}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func assessmentKey(contentHash string) string {
	return keyPrefix + "assessment:" + contentHash
}

func embeddingKey(textHash string) string {
	return keyPrefix + "embedding:" + textHash
}

func (c *Client) SetAssessment(ctx context.Context, contentHash string, a *models.Assessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}

	if err := c.client.Set(ctx, assessmentKey(contentHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set assessment cache: %w", err)
	}

	logger.Debug("Assessment cached", zap.String("content_hash", contentHash), zap.Duration("ttl", c.ttl))
	return nil
}

// GetAssessment returns (nil, false, nil) on a miss.
func (c *Client) GetAssessment(ctx context.Context, contentHash string) (*models.Assessment, bool, error) {
	data, err := c.client.Get(ctx, assessmentKey(contentHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get assessment cache: %w", err)
	}

	var a models.Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal assessment: %w", err)
	}

	logger.Debug("Assessment cache hit", zap.String("content_hash", contentHash))
	return &a, true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, embeddingKey(textHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingKey(textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

// InvalidateAssessments drops every cached assessment, e.g. after a prompt
// or model change.
func (c *Client) InvalidateAssessments(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, keyPrefix+"assessment:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Assessment cache invalidated", zap.Int("removed", removed))
	return removed, nil
}
