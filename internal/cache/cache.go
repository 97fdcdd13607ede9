// Package cache stores finished generation payloads keyed by a digest of
// their inputs. Every backend failure degrades to a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/telemetry"
)

const keyPrefix = "gencache:"

// Payload is what a successful job produced.
type Payload struct {
	MergedText string `json:"merged_text"`
	Filename   string `json:"filename"`
	FileData   []byte `json:"file_data"`
}

// Fingerprint is a sha256 over the exact bytes of each input, each one
// length-prefixed so field boundaries cannot shift.
func Fingerprint(subject, params string, format model.Format) string {
	h := sha256.New()
	var size [8]byte
	for _, part := range []string{subject, params, string(format)} {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type FingerprintCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewFingerprintCache(redisClient *redis.Client, ttl time.Duration, logger *slog.Logger) *FingerprintCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintCache{redis: redisClient, ttl: ttl, logger: logger}
}

func (c *FingerprintCache) TTL() time.Duration { return c.ttl }

// Get never returns an error; outages and corrupt entries read as a miss.
func (c *FingerprintCache) Get(ctx context.Context, fingerprint string) (*Payload, bool) {
	data, err := c.redis.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			telemetry.CacheErrors.Inc()
			c.logger.Warn("generation.cache.get_failed", "fingerprint", fingerprint, "error", err)
		}
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		telemetry.CacheErrors.Inc()
		c.logger.Warn("generation.cache.corrupt_entry", "fingerprint", fingerprint, "error", err)
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	telemetry.CacheLookups.WithLabelValues("hit").Inc()
	return &p, true
}

// Put is best-effort. A zero ttl falls back to the configured default.
func (c *FingerprintCache) Put(ctx context.Context, fingerprint string, p *Payload, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("generation.cache.marshal_failed", "fingerprint", fingerprint, "error", err)
		return
	}
	if err := c.redis.Set(ctx, keyPrefix+fingerprint, data, ttl).Err(); err != nil {
		telemetry.CacheErrors.Inc()
		c.logger.Warn("generation.cache.put_failed", "fingerprint", fingerprint, "error", err)
	}
}
