// Package quota caps completed generations per subject over a rolling
// 24 hour window.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/telemetry"
)

const (
	keyPrefix = "genquota:"
	window    = 24 * time.Hour
)

// Ledger keeps one sorted set per subject, scored by completion time.
type Ledger struct {
	redis  *redis.Client
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger returns a ledger allowing limit completions per window. A
// limit of zero or less disables the check.
func NewLedger(redisClient *redis.Client, limit int, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{redis: redisClient, limit: limit, logger: logger, now: time.Now}
}

func key(subjectRef string) string { return keyPrefix + subjectRef }

// Used returns the completions recorded for a subject inside the window.
func (l *Ledger) Used(ctx context.Context, subjectRef string) (int64, error) {
	cutoff := l.now().Add(-window).UnixNano()

	var card *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key(subjectRef), "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key(subjectRef))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count quota: %w", err)
	}
	return card.Val(), nil
}

// Check returns model.ErrQuotaExceeded once the subject is at its limit.
// Backend errors let the request through.
func (l *Ledger) Check(ctx context.Context, subjectRef string) error {
	if l.limit <= 0 {
		return nil
	}
	used, err := l.Used(ctx, subjectRef)
	if err != nil {
		l.logger.Warn("generation.quota.check_failed", "subject_ref", subjectRef, "error", err)
		return nil
	}
	if used >= int64(l.limit) {
		telemetry.QuotaRejects.Inc()
		return fmt.Errorf("%w: %d of %d used", model.ErrQuotaExceeded, used, l.limit)
	}
	return nil
}

// Record counts one completed job against the subject. Recording the same
// job twice counts once.
func (l *Ledger) Record(ctx context.Context, subjectRef, jobID string) error {
	now := l.now()
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key(subjectRef), redis.Z{Score: float64(now.UnixNano()), Member: jobID})
		pipe.Expire(ctx, key(subjectRef), window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record quota: %w", err)
	}
	return nil
}
