package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/resumeforge/api/internal/cache"
	"github.com/resumeforge/api/internal/client"
	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/quota"
	"github.com/resumeforge/api/internal/registry"
	"github.com/resumeforge/api/internal/telemetry"
	"github.com/resumeforge/api/internal/worker"
)

const TaskTypeGeneration = "generation:document"

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskCanceler is satisfied by *asynq.Inspector.
type TaskCanceler interface {
	CancelProcessing(id string) error
	DeleteTask(queue, id string) error
}

// SubjectSource resolves a subject reference to prompt-ready content.
type SubjectSource interface {
	SubjectContent(ctx context.Context, subjectRef string) (string, error)
}

// GenerationService accepts generation requests and answers questions
// about their jobs
type GenerationService struct {
	jobs      *registry.Registry
	cache     *cache.FingerprintCache
	quota     *quota.Ledger
	storage   client.StorageClient
	queue     Enqueuer
	validate  *validator.Validate
	queueName string
	inspector TaskCanceler
	subjects  SubjectSource
	rows      worker.RowUpdater
	hub       worker.Notifier
	logger    *slog.Logger
}

type Option func(*GenerationService)

func WithInspector(i TaskCanceler) Option       { return func(s *GenerationService) { s.inspector = i } }
func WithSubjects(src SubjectSource) Option     { return func(s *GenerationService) { s.subjects = src } }
func WithRowUpdater(r worker.RowUpdater) Option { return func(s *GenerationService) { s.rows = r } }
func WithNotifier(n worker.Notifier) Option     { return func(s *GenerationService) { s.hub = n } }
func WithQueue(name string) Option              { return func(s *GenerationService) { s.queueName = name } }
func WithLogger(l *slog.Logger) Option          { return func(s *GenerationService) { s.logger = l } }

func NewGenerationService(
	jobs *registry.Registry,
	resultCache *cache.FingerprintCache,
	ledger *quota.Ledger,
	storage client.StorageClient,
	queue Enqueuer,
	validate *validator.Validate,
	opts ...Option,
) *GenerationService {
	s := &GenerationService{
		jobs:      jobs,
		cache:     resultCache,
		quota:     ledger,
		storage:   storage,
		queue:     queue,
		validate:  validate,
		queueName: "generation",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit records a job and either completes it from the cache or queues it.
func (s *GenerationService) Submit(ctx context.Context, req *model.GenerationRequest) (*model.SubmitResponse, error) {
	if req.SubjectContent == "" && req.SubjectRef != "" && s.subjects != nil {
		content, err := s.subjects.SubjectContent(ctx, req.SubjectRef)
		if err != nil {
			return nil, fmt.Errorf("resolve subject %s: %w", req.SubjectRef, err)
		}
		req.SubjectContent = content
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	if err := s.quota.Check(ctx, req.SubjectRef); err != nil {
		return nil, err
	}

	fp := cache.Fingerprint(req.SubjectContent, req.Params, req.Format)
	job, err := s.jobs.Create(ctx, req.SubjectRef, req.RequestRowRef, req.Format, fp)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()

	// A cached payload that cannot be stored falls back to a fresh run; the
	// job is still PENDING at that point.
	if hit, ok := s.cache.Get(ctx, fp); ok {
		key, err := s.storeCached(ctx, job, hit)
		if err == nil {
			done, err := s.completeFromCache(ctx, job, hit, key)
			if err != nil {
				s.failJob(ctx, job.ID, "Failed to serve cached result", err)
				return nil, err
			}
			s.logger.Info("generation.job.cache_hit", "job_id", job.ID, "subject_ref", job.SubjectRef)
			return &model.SubmitResponse{JobID: done.ID, Status: done.Status, Cached: true, CreatedAt: done.CreatedAt}, nil
		}
		s.logger.Warn("generation.job.cache_store_failed", "job_id", job.ID, "error", err)
	}

	if err := s.enqueue(job, req); err != nil {
		s.failJob(ctx, job.ID, "Failed to schedule generation", err)
		return nil, err
	}

	s.logger.Info("generation.job.queued", "job_id", job.ID, "subject_ref", job.SubjectRef, "format", job.Format)
	return &model.SubmitResponse{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, nil
}

func (s *GenerationService) enqueue(job *model.Job, req *model.GenerationRequest) error {
	payload, err := json.Marshal(model.GenerationTaskPayload{SubjectContent: req.SubjectContent, Params: req.Params})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task, err := newGenerationTask(job.ID, payload)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	_, err = s.queue.Enqueue(task,
		asynq.TaskID(job.ID),
		asynq.Queue(s.queueName),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func newGenerationTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]interface{}{
		"jobId":   jobID,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGeneration, data), nil
}

func (s *GenerationService) storeCached(ctx context.Context, job *model.Job, hit *cache.Payload) (string, error) {
	key := worker.ArtifactKey(job)
	if _, err := s.storage.Upload(ctx, key, bytes.NewReader(hit.FileData), job.Format.ContentType()); err != nil {
		return "", fmt.Errorf("store cached artifact: %w", err)
	}
	return key, nil
}

// completeFromCache walks a fresh job through PROCESSING(50) to SUCCESS
// once the cached artifact is stored under key.
func (s *GenerationService) completeFromCache(ctx context.Context, job *model.Job, hit *cache.Payload, key string) (*model.Job, error) {
	if _, _, err := s.jobs.Transition(ctx, job.ID, model.Advance(worker.ProgressCacheHit, "Loaded from cache")); err != nil {
		return nil, err
	}

	if s.rows != nil && job.RequestRowRef != "" {
		if err := s.rows.UpdateGeneratedText(ctx, job.SubjectRef, job.RequestRowRef, hit.MergedText); err != nil {
			s.logger.Warn("generation.row.update_failed", "job_id", job.ID, "error", err)
		}
	}

	done, applied, err := s.jobs.Transition(ctx, job.ID, model.Succeed(key, hit.Filename, true))
	if err != nil {
		return nil, err
	}
	if applied {
		telemetry.JobsFinished.WithLabelValues(string(model.JobStatusSuccess)).Inc()
		if err := s.quota.Record(ctx, done.SubjectRef, done.ID); err != nil {
			s.logger.Warn("generation.quota.record_failed", "job_id", done.ID, "error", err)
		}
		if s.hub != nil {
			s.hub.BroadcastComplete(done)
		}
	}
	return done, nil
}

func (s *GenerationService) failJob(ctx context.Context, jobID, message string, cause error) {
	_, applied, err := s.jobs.Transition(context.WithoutCancel(ctx), jobID, model.Fail(message+": "+cause.Error(), cause.Error()))
	if err != nil {
		s.logger.Error("generation.job.fail_write_failed", "job_id", jobID, "error", err)
		return
	}
	if applied {
		telemetry.JobsFinished.WithLabelValues(string(model.JobStatusFailure)).Inc()
	}
	s.logger.Error("generation.job.failed", "job_id", jobID, "error", cause)
}

// Status returns the current job row.
func (s *GenerationService) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// Result returns the artifact of a successful job.
func (s *GenerationService) Result(ctx context.Context, jobID string) (*model.JobResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusSuccess {
		return nil, fmt.Errorf("%w: status %s", model.ErrJobNotReady, job.Status)
	}

	data, err := s.storage.Download(ctx, job.ResultLocator)
	if errors.Is(err, client.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: artifact expired", model.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	return &model.JobResult{
		JobID:       job.ID,
		Filename:    job.Filename,
		ContentType: contentType(data, job.Format),
		Data:        data,
	}, nil
}

// contentType trusts the detected type unless it is only the generic
// container (DOCX sniffs as zip at worst).
func contentType(data []byte, format model.Format) string {
	mt := mimetype.Detect(data)
	if mt.Is(format.ContentType()) || mt.Is("application/zip") || mt.Is("application/octet-stream") {
		return format.ContentType()
	}
	return mt.String()
}

// Cancel moves a job to CANCELLED. Cancelling a finished job returns it
// unchanged.
func (s *GenerationService) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, applied, err := s.jobs.Transition(ctx, jobID, model.Cancel())
	if err != nil {
		return nil, err
	}
	if !applied {
		return job, nil
	}

	telemetry.JobsFinished.WithLabelValues(string(model.JobStatusCancelled)).Inc()
	s.logger.Info("generation.job.cancelled", "job_id", jobID)
	s.signalQueue(jobID)
	if s.hub != nil {
		s.hub.BroadcastComplete(job)
	}
	return job, nil
}

// signalQueue asks asynq to drop or interrupt the task. Either may fail
// harmlessly: the registry already refuses further writes.
func (s *GenerationService) signalQueue(jobID string) {
	if s.inspector == nil {
		return
	}
	if err := s.inspector.DeleteTask(s.queueName, jobID); err != nil {
		s.logger.Debug("generation.queue.delete_skipped", "job_id", jobID, "error", err)
	}
	if err := s.inspector.CancelProcessing(jobID); err != nil {
		s.logger.Debug("generation.queue.cancel_skipped", "job_id", jobID, "error", err)
	}
}

// Purge cancels a job if needed, then removes its artifact and row.
func (s *GenerationService) Purge(ctx context.Context, jobID string) error {
	job, err := s.Cancel(ctx, jobID)
	if err != nil {
		return err
	}

	if job.ResultLocator != "" {
		if err := s.storage.Delete(ctx, job.ResultLocator); err != nil && !errors.Is(err, client.ErrObjectNotFound) {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	if err := s.jobs.Delete(ctx, job); err != nil {
		return err
	}
	s.logger.Info("generation.job.purged", "job_id", jobID)
	return nil
}

// ListBySubject returns a subject's most recent jobs, newest first.
func (s *GenerationService) ListBySubject(ctx context.Context, subjectRef string, limit int) (*model.JobListResponse, error) {
	jobs, err := s.jobs.ListBySubject(ctx, subjectRef, limit)
	if err != nil {
		return nil, err
	}
	return &model.JobListResponse{SubjectRef: subjectRef, Jobs: jobs}, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &model.ValidationError{Fields: map[string]string{}}
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[e.Field()] = e.Tag()
	}
	return &model.ValidationError{Fields: fields}
}
