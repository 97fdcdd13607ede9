package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/resumeforge/api/internal/cache"
	"github.com/resumeforge/api/internal/client"
	"github.com/resumeforge/api/internal/document"
	"github.com/resumeforge/api/internal/generator"
	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/telemetry"
)

// Progress checkpoints written by the executor.
const (
	ProgressStarted   = 10
	ProgressCacheHit  = 50
	ProgressGenerated = 70
	ProgressRendered  = 85
)

// errAbandoned stops a run without writing anything further: the job
// went terminal (usually cancelled) or disappeared while we worked.
var errAbandoned = errors.New("job abandoned")

type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, id string, t model.Transition) (*model.Job, bool, error)
}

type SectionGenerator interface {
	Generate(ctx context.Context, kind model.SectionKind, p generator.Params) (generator.Section, error)
}

type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (*cache.Payload, bool)
	Put(ctx context.Context, fingerprint string, p *cache.Payload, ttl time.Duration)
}

// RowUpdater writes merged text back to the originating request row.
type RowUpdater interface {
	UpdateGeneratedText(ctx context.Context, subjectRef, rowRef, text string) error
}

type QuotaRecorder interface {
	Record(ctx context.Context, subjectRef, jobID string) error
}

// Notifier pushes job events to live subscribers.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastComplete(job *model.Job)
	BroadcastError(jobID string, code, message string)
}

// GenerationWorker executes generation jobs picked up from the queue
type GenerationWorker struct {
	jobs      JobStore
	generator SectionGenerator
	renderer  document.Renderer
	storage   client.StorageClient
	cache     ResultCache
	rows      RowUpdater
	quota     QuotaRecorder
	hub       Notifier
	logger    *slog.Logger
}

type Option func(*GenerationWorker)

func WithRowUpdater(r RowUpdater) Option { return func(w *GenerationWorker) { w.rows = r } }
func WithQuota(q QuotaRecorder) Option   { return func(w *GenerationWorker) { w.quota = q } }
func WithNotifier(n Notifier) Option     { return func(w *GenerationWorker) { w.hub = n } }
func WithLogger(l *slog.Logger) Option   { return func(w *GenerationWorker) { w.logger = l } }

func NewGenerationWorker(
	jobs JobStore,
	gen SectionGenerator,
	renderer document.Renderer,
	storage client.StorageClient,
	resultCache ResultCache,
	opts ...Option,
) *GenerationWorker {
	w := &GenerationWorker{
		jobs:      jobs,
		generator: gen,
		renderer:  renderer,
		storage:   storage,
		cache:     resultCache,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessTask handles a generation task. Failures are recorded on the job
// and never retried by the queue.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		JobID   string          `json:"jobId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	var payload model.GenerationTaskPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.fail(ctx, taskPayload.JobID, fmt.Errorf("invalid task payload: %w", err))
		return fmt.Errorf("unmarshal generation payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := w.Execute(ctx, taskPayload.JobID, payload); err != nil {
		return fmt.Errorf("job %s: %v: %w", taskPayload.JobID, err, asynq.SkipRetry)
	}
	return nil
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Execute runs one job to a terminal state. Any error or panic becomes a
// FAILURE row; the returned error is informational.
func (w *GenerationWorker) Execute(ctx context.Context, jobID string, payload model.GenerationTaskPayload) (err error) {
	telemetry.InFlightGauge.Inc()
	start := time.Now()
	defer func() {
		telemetry.InFlightGauge.Dec()
		telemetry.JobDuration.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
		if errors.Is(err, errAbandoned) {
			err = nil
			return
		}
		if err != nil {
			w.fail(ctx, jobID, err)
		}
	}()

	return w.run(ctx, jobID, payload)
}

func (w *GenerationWorker) run(ctx context.Context, jobID string, payload model.GenerationTaskPayload) error {
	job, err := w.jobs.Get(ctx, jobID)
	if errors.Is(err, model.ErrJobNotFound) {
		w.logger.Warn("generation.job.missing", "job_id", jobID)
		return errAbandoned
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		w.logger.Info("generation.job.skipped", "job_id", jobID, "status", job.Status)
		return errAbandoned
	}

	if err := w.advance(ctx, jobID, ProgressStarted, "Starting generation"); err != nil {
		return err
	}
	w.logger.Info("generation.job.started", "job_id", jobID, "format", job.Format)

	if hit, ok := w.cache.Get(ctx, job.Fingerprint); ok {
		return w.finishFromCache(ctx, job, hit)
	}

	params := generator.Params{SubjectContent: payload.SubjectContent, TargetContext: payload.Params}
	var primary, history generator.Section
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		primary, err = w.generate(gctx, model.SectionPrimary, params)
		return err
	})
	g.Go(func() (err error) {
		history, err = w.generate(gctx, model.SectionHistory, params)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := w.advance(ctx, jobID, ProgressGenerated, "Sections generated"); err != nil {
		return err
	}

	merged := document.Merge(document.Normalize(primary.Text), document.Normalize(history.Text))
	if merged == "" {
		return errors.New("generated document is empty")
	}

	data, err := w.renderer.Render(ctx, merged, job.Format)
	if err != nil {
		return err
	}
	filename := document.Filename(merged, job.Format.Extension())

	if err := w.advance(ctx, jobID, ProgressRendered, "Document rendered"); err != nil {
		return err
	}

	w.updateRow(ctx, job, merged)

	locator, err := w.store(ctx, job, data)
	if err != nil {
		return err
	}
	if err := w.succeed(ctx, jobID, locator, filename, false); err != nil {
		return err
	}

	w.cache.Put(ctx, job.Fingerprint, &cache.Payload{MergedText: merged, Filename: filename, FileData: data}, 0)
	return nil
}

// generate runs on its own goroutine, so a panic has to be caught here to
// reach the failure path in Execute.
func (w *GenerationWorker) generate(ctx context.Context, kind model.SectionKind, p generator.Params) (sec generator.Section, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return w.generator.Generate(ctx, kind, p)
}

// finishFromCache completes a job whose inputs were already generated
// after it was queued.
func (w *GenerationWorker) finishFromCache(ctx context.Context, job *model.Job, hit *cache.Payload) error {
	if err := w.advance(ctx, job.ID, ProgressCacheHit, "Loaded from cache"); err != nil {
		return err
	}
	w.updateRow(ctx, job, hit.MergedText)

	locator, err := w.store(ctx, job, hit.FileData)
	if err != nil {
		return err
	}
	return w.succeed(ctx, job.ID, locator, hit.Filename, true)
}

func (w *GenerationWorker) advance(ctx context.Context, jobID string, progress int, step string) error {
	job, applied, err := w.jobs.Transition(ctx, jobID, model.Advance(progress, step))
	if err != nil && !errors.Is(err, model.ErrJobNotFound) {
		return err
	}
	if !applied {
		w.logger.Info("generation.job.abandoned", "job_id", jobID, "progress", progress)
		return errAbandoned
	}
	if w.hub != nil {
		w.hub.BroadcastProgress(job.ID, job.Progress, job.Status, job.CurrentStep)
	}
	return nil
}

func (w *GenerationWorker) updateRow(ctx context.Context, job *model.Job, text string) {
	if w.rows == nil || job.RequestRowRef == "" {
		return
	}
	if err := w.rows.UpdateGeneratedText(ctx, job.SubjectRef, job.RequestRowRef, text); err != nil {
		w.logger.Warn("generation.row.update_failed", "job_id", job.ID, "row_ref", job.RequestRowRef, "error", err)
	}
}

// store uploads the artifact under a job-scoped key and returns that key
// as the result locator.
func (w *GenerationWorker) store(ctx context.Context, job *model.Job, data []byte) (string, error) {
	key := ArtifactKey(job)
	url, err := w.storage.Upload(ctx, key, bytes.NewReader(data), job.Format.ContentType())
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	w.logger.Debug("generation.artifact.stored", "job_id", job.ID, "key", key, "url", url, "bytes", len(data))
	return key, nil
}

// ArtifactKey is where a job's rendered document lives in storage.
func ArtifactKey(job *model.Job) string {
	return "artifacts/" + job.ID + job.Format.Extension()
}

func (w *GenerationWorker) succeed(ctx context.Context, jobID, locator, filename string, cached bool) error {
	job, applied, err := w.jobs.Transition(ctx, jobID, model.Succeed(locator, filename, cached))
	if err != nil && !errors.Is(err, model.ErrJobNotFound) {
		return err
	}
	// Cancelled or purged while storing: nothing will ever point at the artifact.
	if !applied {
		if err := w.storage.Delete(context.WithoutCancel(ctx), locator); err != nil {
			w.logger.Warn("generation.artifact.discard_failed", "job_id", jobID, "key", locator, "error", err)
		}
		return errAbandoned
	}

	telemetry.JobsFinished.WithLabelValues(string(model.JobStatusSuccess)).Inc()
	w.logger.Info("generation.job.succeeded", "job_id", jobID, "filename", filename, "cached", cached)

	if w.quota != nil {
		if err := w.quota.Record(ctx, job.SubjectRef, job.ID); err != nil {
			w.logger.Warn("generation.quota.record_failed", "job_id", jobID, "error", err)
		}
	}
	if w.hub != nil {
		w.hub.BroadcastComplete(job)
	}
	return nil
}

func (w *GenerationWorker) fail(ctx context.Context, jobID string, cause error) {
	// The task context may already be cancelled; the failure must still land.
	ctx = context.WithoutCancel(ctx)

	msg := "Document generation failed: " + cause.Error()
	job, applied, err := w.jobs.Transition(ctx, jobID, model.Fail(msg, errorChain(cause)))
	if err != nil {
		w.logger.Error("generation.job.fail_write_failed", "job_id", jobID, "cause", cause, "error", err)
		return
	}
	if !applied {
		return
	}

	telemetry.JobsFinished.WithLabelValues(string(model.JobStatusFailure)).Inc()
	w.logger.Error("generation.job.failed", "job_id", jobID, "progress", job.Progress, "error", cause)
	if w.hub != nil {
		w.hub.BroadcastError(jobID, "GENERATION_FAILED", msg)
	}
}

// errorChain lists every wrapped error, outermost first, plus the stack of
// a recovered panic.
func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %v", e, e))
	}
	var p *panicError
	if errors.As(err, &p) {
		lines = append(lines, string(p.stack))
	}
	return strings.Join(lines, "\n")
}
