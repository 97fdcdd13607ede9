// Package registry persists job rows in Redis. All state changes go
// through model.Job.Apply inside an optimistic WATCH transaction.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/model"
)

const (
	jobKeyPrefix     = "genjob:"
	subjectKeyPrefix = "genjob:subject:"
	maxTxRetries     = 10
)

func jobKey(id string) string      { return jobKeyPrefix + id }
func subjectKey(ref string) string { return subjectKeyPrefix + ref }

type Registry struct {
	redis *redis.Client
	now   func() time.Time
}

func New(redisClient *redis.Client) *Registry {
	return &Registry{redis: redisClient, now: time.Now}
}

// Create stores a PENDING row with a fresh id and indexes it under its subject.
func (r *Registry) Create(ctx context.Context, subjectRef, requestRowRef string, format model.Format, fingerprint string) (*model.Job, error) {
	job := &model.Job{
		ID:            uuid.New().String(),
		SubjectRef:    subjectRef,
		RequestRowRef: requestRowRef,
		Format:        format,
		Status:        model.JobStatusPending,
		Fingerprint:   fingerprint,
		CurrentStep:   "Queued",
		CreatedAt:     r.now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, subjectKey(subjectRef), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	return job, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Job, error) {
	return r.load(ctx, r.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Registry) load(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Transition applies t atomically and returns the stored row. applied is
// false when the row was already terminal; the row is then left untouched.
func (r *Registry) Transition(ctx context.Context, id string, t model.Transition) (*model.Job, bool, error) {
	key := jobKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var (
			job     *model.Job
			applied bool
		)
		err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			job, err = r.load(ctx, tx, id)
			if err != nil {
				return err
			}

			applied, err = job.Apply(t, r.now().UTC())
			if err != nil || !applied {
				return err
			}

			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return job, applied, nil
	}
	return nil, false, fmt.Errorf("transition job %s: too much contention", id)
}

// ListBySubject returns up to limit jobs for a subject, newest first.
func (r *Registry) ListBySubject(ctx context.Context, subjectRef string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.redis.ZRevRange(ctx, subjectKey(subjectRef), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errors.Is(err, model.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Delete removes a row and its subject index entry.
func (r *Registry) Delete(ctx context.Context, job *model.Job) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(job.ID))
		pipe.ZRem(ctx, subjectKey(job.SubjectRef), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", job.ID, err)
	}
	return nil
}
