package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrObjectNotFound is returned by Download for a missing or expired key.
var ErrObjectNotFound = errors.New("object not found")

// StorageClient defines the interface for artifact storage operations
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RedisBlobStore keeps artifacts in Redis for a fixed retention. It is
// the default when object storage is not configured.
type RedisBlobStore struct {
	redis     *redis.Client
	retention time.Duration
}

const blobKeyPrefix = "genartifact:"

func NewRedisBlobStore(redisClient *redis.Client, retention time.Duration) *RedisBlobStore {
	return &RedisBlobStore{redis: redisClient, retention: retention}
}

func (s *RedisBlobStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := s.redis.Set(ctx, blobKeyPrefix+key, buf.Bytes(), s.retention).Err(); err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	return "redis://" + blobKeyPrefix + key, nil
}

func (s *RedisBlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, blobKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	return data, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, blobKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
