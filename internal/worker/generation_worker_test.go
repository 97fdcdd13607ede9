package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/cache"
	"github.com/resumeforge/api/internal/client"
	"github.com/resumeforge/api/internal/document"
	"github.com/resumeforge/api/internal/generator"
	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/quota"
	"github.com/resumeforge/api/internal/registry"
	"github.com/resumeforge/api/internal/retry"
)

const (
	testSubject = "Jane Doe, 5 years experience"
	testParams  = "Job: backend engineer"
)

// stubCompletion answers by section kind, detected from the system prompt.
type stubCompletion struct {
	mu      sync.Mutex
	calls   int
	primary string
	history string
	err     error
	onCall  func()
}

func (s *stubCompletion) ChatCompletion(_ context.Context, system, _ string) (string, error) {
	s.mu.Lock()
	s.calls++
	onCall := s.onCall
	s.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if s.err != nil {
		return "", s.err
	}
	if strings.Contains(system, "Work Experience") {
		return s.history, nil
	}
	return s.primary, nil
}

func (s *stubCompletion) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingRenderer struct {
	mu     sync.Mutex
	texts  []string
	engine *document.Engine
	panics bool
}

func (r *recordingRenderer) Render(ctx context.Context, text string, format model.Format) ([]byte, error) {
	if r.panics {
		panic("renderer exploded")
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return r.engine.Render(ctx, text, format)
}

type recordingRows struct {
	mu      sync.Mutex
	updates map[string]string
}

func (r *recordingRows) UpdateGeneratedText(_ context.Context, subjectRef, rowRef, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[subjectRef+"/"+rowRef] = text
	return nil
}

type testEnv struct {
	reg        *registry.Registry
	cache      *cache.FingerprintCache
	storage    *client.RedisBlobStore
	ledger     *quota.Ledger
	renderer   *recordingRenderer
	rows       *recordingRows
	completion *stubCompletion
	worker     *GenerationWorker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{
		reg:      registry.New(rdb),
		cache:    cache.NewFingerprintCache(rdb, time.Hour, nil),
		storage:  client.NewRedisBlobStore(rdb, time.Hour),
		ledger:   quota.NewLedger(rdb, 50, nil),
		renderer: &recordingRenderer{engine: document.NewEngine()},
		rows:     &recordingRows{updates: map[string]string{}},
		completion: &stubCompletion{
			primary: "SUMMARY\n- 5 years",
			history: "WORK HISTORY\n- did X",
		},
	}

	caller := retry.New(env.completion, retry.WithBackoff(time.Millisecond, time.Millisecond))
	env.worker = NewGenerationWorker(
		env.reg,
		generator.NewSectionGenerator(caller),
		env.renderer,
		env.storage,
		env.cache,
		WithRowUpdater(env.rows),
		WithQuota(env.ledger),
	)
	return env
}

func (e *testEnv) createJob(t *testing.T, format model.Format) *model.Job {
	t.Helper()
	fp := cache.Fingerprint(testSubject, testParams, format)
	job, err := e.reg.Create(context.Background(), "cand-1", "42", format, fp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func testPayload() model.GenerationTaskPayload {
	return model.GenerationTaskPayload{SubjectContent: testSubject, Params: testParams}
}

func (e *testEnv) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := e.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestExecute_MergesAndRendersOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, model.FormatWord)

	if err := env.worker.Execute(ctx, job.ID, testPayload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "SUMMARY\n- 5 years\n\nWORK HISTORY\n- did X"
	if len(env.renderer.texts) != 1 || env.renderer.texts[0] != want {
		t.Fatalf("render calls %q, want exactly one with %q", env.renderer.texts, want)
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusSuccess || got.Progress != 100 || got.Cached {
		t.Fatalf("unexpected final row %+v", got)
	}
	if got.Filename != "SUMMARY_resume.docx" {
		t.Errorf("unexpected filename %q", got.Filename)
	}
	if got.ResultLocator != ArtifactKey(job) {
		t.Errorf("unexpected locator %q", got.ResultLocator)
	}

	data, err := env.storage.Download(ctx, got.ResultLocator)
	if err != nil || !strings.HasPrefix(string(data), "PK") {
		t.Errorf("artifact not stored: %v", err)
	}
	if hit, ok := env.cache.Get(ctx, job.Fingerprint); !ok || hit.MergedText != want {
		t.Errorf("cache not populated: %+v", hit)
	}
	if env.rows.updates["cand-1/42"] != want {
		t.Errorf("request row not updated: %v", env.rows.updates)
	}
	if used, _ := env.ledger.Used(ctx, "cand-1"); used != 1 {
		t.Errorf("expected quota usage 1, got %d", used)
	}
}

func TestExecute_GenerationAlwaysFails(t *testing.T) {
	env := newTestEnv(t)
	env.completion.err = errors.New("upstream unavailable")
	job := env.createJob(t, model.FormatWord)

	if err := env.worker.Execute(context.Background(), job.ID, testPayload()); err == nil {
		t.Fatal("expected an error")
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusFailure {
		t.Fatalf("expected FAILURE, got %s", got.Status)
	}
	if got.Progress != ProgressStarted {
		t.Errorf("progress must stay at %d, got %d", ProgressStarted, got.Progress)
	}
	if !strings.HasPrefix(got.ErrorMessage, "Document generation failed: ") || !strings.Contains(got.ErrorMessage, "after 3 attempts") {
		t.Errorf("unexpected error message %q", got.ErrorMessage)
	}
	if !strings.Contains(got.ErrorDetail, "upstream unavailable") {
		t.Errorf("detail misses root cause: %q", got.ErrorDetail)
	}
	if len(env.renderer.texts) != 0 {
		t.Error("renderer must not run after a generation failure")
	}
}

func TestExecute_EmptyMergeFails(t *testing.T) {
	env := newTestEnv(t)
	env.completion.primary = "```\n```"
	env.completion.history = "---"
	job := env.createJob(t, model.FormatWord)

	env.worker.Execute(context.Background(), job.ID, testPayload())

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusFailure || got.Progress != ProgressGenerated {
		t.Errorf("expected FAILURE at %d, got %s at %d", ProgressGenerated, got.Status, got.Progress)
	}
}

func TestExecute_CacheHitSkipsGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, model.FormatWord)
	env.cache.Put(ctx, job.Fingerprint, &cache.Payload{MergedText: "Jane Doe", Filename: "Jane_Doe_resume.docx", FileData: []byte("PKcached")}, 0)

	if err := env.worker.Execute(ctx, job.ID, testPayload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if env.completion.Calls() != 0 {
		t.Errorf("expected no generation calls, got %d", env.completion.Calls())
	}
	got := env.job(t, job.ID)
	if got.Status != model.JobStatusSuccess || !got.Cached || got.Filename != "Jane_Doe_resume.docx" {
		t.Fatalf("unexpected row %+v", got)
	}
	data, _ := env.storage.Download(ctx, got.ResultLocator)
	if string(data) != "PKcached" {
		t.Errorf("unexpected artifact %q", data)
	}
	if env.rows.updates["cand-1/42"] != "Jane Doe" {
		t.Errorf("request row not updated from cache")
	}
}

func TestExecute_CancelledBeforePickup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, model.FormatWord)
	env.reg.Transition(ctx, job.ID, model.Cancel())

	if err := env.worker.Execute(ctx, job.ID, testPayload()); err != nil {
		t.Fatalf("skipped job must not report an error, got %v", err)
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusCancelled || got.ErrorMessage != model.CancelledMessage {
		t.Errorf("unexpected row %+v", got)
	}
	if env.completion.Calls() != 0 {
		t.Error("cancelled job must not call the generator")
	}
}

func TestExecute_CancelledMidFlightWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, model.FormatWord)

	var once sync.Once
	env.completion.onCall = func() {
		once.Do(func() { env.reg.Transition(ctx, job.ID, model.Cancel()) })
	}

	if err := env.worker.Execute(ctx, job.ID, testPayload()); err != nil {
		t.Fatalf("abandoned job must not report an error, got %v", err)
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusCancelled || got.Progress != ProgressStarted {
		t.Errorf("unexpected row %+v", got)
	}
	if _, ok := env.cache.Get(ctx, job.Fingerprint); ok {
		t.Error("cache written for a cancelled job")
	}
	if _, err := env.storage.Download(ctx, ArtifactKey(job)); !errors.Is(err, client.ErrObjectNotFound) {
		t.Error("artifact written for a cancelled job")
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	env.renderer.panics = true
	job := env.createJob(t, model.FormatWord)

	if err := env.worker.Execute(context.Background(), job.ID, testPayload()); err == nil {
		t.Fatal("expected an error")
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusFailure || !strings.Contains(got.ErrorMessage, "panic: renderer exploded") {
		t.Errorf("unexpected row %+v", got)
	}
	if !strings.Contains(got.ErrorDetail, "goroutine") {
		t.Error("detail should carry the stack")
	}
}

func TestProcessTask(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, model.FormatWord)

	payload, _ := json.Marshal(testPayload())
	body, _ := json.Marshal(map[string]any{"jobId": job.ID, "payload": json.RawMessage(payload)})

	if err := env.worker.ProcessTask(context.Background(), asynq.NewTask("generation:document", body)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got := env.job(t, job.ID); got.Status != model.JobStatusSuccess {
		t.Errorf("expected SUCCESS, got %s", got.Status)
	}
}

func TestProcessTask_FailureSkipsRetry(t *testing.T) {
	env := newTestEnv(t)
	env.completion.err = errors.New("boom")
	job := env.createJob(t, model.FormatWord)

	payload, _ := json.Marshal(testPayload())
	body, _ := json.Marshal(map[string]any{"jobId": job.ID, "payload": json.RawMessage(payload)})

	err := env.worker.ProcessTask(context.Background(), asynq.NewTask("generation:document", body))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	err = env.worker.ProcessTask(context.Background(), asynq.NewTask("generation:document", []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a malformed task, got %v", err)
	}
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, model.SectionKind, generator.Params) (generator.Section, error) {
	panic("generator exploded")
}

func TestExecute_GeneratorPanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, model.FormatWord)
	w := NewGenerationWorker(env.reg, panickingGenerator{}, env.renderer, env.storage, env.cache)

	if err := w.Execute(context.Background(), job.ID, testPayload()); err == nil {
		t.Fatal("expected an error")
	}

	got := env.job(t, job.ID)
	if got.Status != model.JobStatusFailure || !strings.Contains(got.ErrorMessage, "panic: generator exploded") {
		t.Errorf("unexpected row %+v", got)
	}
	if !strings.Contains(got.ErrorDetail, "goroutine") {
		t.Error("detail should carry the stack")
	}
}

// historyFirstGenerator holds the primary section back until the history
// section has returned.
type historyFirstGenerator struct {
	inner   SectionGenerator
	history chan struct{}
}

func (g *historyFirstGenerator) Generate(ctx context.Context, kind model.SectionKind, p generator.Params) (generator.Section, error) {
	if kind == model.SectionHistory {
		defer close(g.history)
		return g.inner.Generate(ctx, kind, p)
	}
	select {
	case <-g.history:
	case <-ctx.Done():
		return generator.Section{}, ctx.Err()
	}
	return g.inner.Generate(ctx, kind, p)
}

func TestExecute_MergeIgnoresCompletionOrder(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, model.FormatWord)
	caller := retry.New(env.completion, retry.WithBackoff(time.Millisecond, time.Millisecond))
	gen := &historyFirstGenerator{inner: generator.NewSectionGenerator(caller), history: make(chan struct{})}
	w := NewGenerationWorker(env.reg, gen, env.renderer, env.storage, env.cache)

	if err := w.Execute(context.Background(), job.ID, testPayload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "SUMMARY\n- 5 years\n\nWORK HISTORY\n- did X"
	if len(env.renderer.texts) != 1 || env.renderer.texts[0] != want {
		t.Fatalf("render calls %q, want exactly one with %q", env.renderer.texts, want)
	}
}

// purgingStorage deletes the job row right after its artifact lands.
type purgingStorage struct {
	*client.RedisBlobStore
	purge func()
}

func (s *purgingStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	url, err := s.RedisBlobStore.Upload(ctx, key, body, contentType)
	if err == nil {
		s.purge()
	}
	return url, err
}

func TestExecute_PurgedWhileStoringDiscardsArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, model.FormatWord)
	storage := &purgingStorage{
		RedisBlobStore: env.storage,
		purge: func() {
			if err := env.reg.Delete(ctx, job); err != nil {
				t.Errorf("Delete: %v", err)
			}
		},
	}
	caller := retry.New(env.completion, retry.WithBackoff(time.Millisecond, time.Millisecond))
	w := NewGenerationWorker(env.reg, generator.NewSectionGenerator(caller), env.renderer, storage, env.cache)

	if err := w.Execute(ctx, job.ID, testPayload()); err != nil {
		t.Fatalf("purged job must not report an error, got %v", err)
	}

	if _, err := env.reg.Get(ctx, job.ID); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("row should stay purged, got %v", err)
	}
	if _, err := env.storage.Download(ctx, ArtifactKey(job)); !errors.Is(err, client.ErrObjectNotFound) {
		t.Error("artifact left behind for a purged job")
	}
	if _, ok := env.cache.Get(ctx, job.Fingerprint); ok {
		t.Error("cache written for a purged job")
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []int
	complete []*model.Job
	errors   []string
}

func (n *recordingNotifier) BroadcastProgress(_ string, progress int, _ model.JobStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, progress)
}

func (n *recordingNotifier) BroadcastComplete(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, job)
}

func (n *recordingNotifier) BroadcastError(_ string, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, code)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecute_ProgressSequence(t *testing.T) {
	tests := []struct {
		name   string
		cached bool
		want   []int
	}{
		{"generated", false, []int{ProgressStarted, ProgressGenerated, ProgressRendered}},
		{"cache hit", true, []int{ProgressStarted, ProgressCacheHit}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			job := env.createJob(t, model.FormatWord)
			if tt.cached {
				env.cache.Put(ctx, job.Fingerprint, &cache.Payload{MergedText: "Jane Doe", Filename: "Jane_Doe_resume.docx", FileData: []byte("PKcached")}, 0)
			}
			hub := &recordingNotifier{}
			env.worker.hub = hub

			if err := env.worker.Execute(ctx, job.ID, testPayload()); err != nil {
				t.Fatalf("Execute: %v", err)
			}

			if !equalInts(hub.progress, tt.want) {
				t.Errorf("progress events %v, want %v", hub.progress, tt.want)
			}
			if len(hub.complete) != 1 || hub.complete[0].Progress != 100 || hub.complete[0].Cached != tt.cached {
				t.Errorf("expected one completion at 100, got %+v", hub.complete)
			}
			if len(hub.errors) != 0 {
				t.Errorf("unexpected error events %v", hub.errors)
			}
		})
	}
}

func TestExecute_FailureNotifies(t *testing.T) {
	env := newTestEnv(t)
	env.completion.err = errors.New("upstream unavailable")
	job := env.createJob(t, model.FormatWord)
	hub := &recordingNotifier{}
	env.worker.hub = hub

	env.worker.Execute(context.Background(), job.ID, testPayload())

	if !equalInts(hub.progress, []int{ProgressStarted}) {
		t.Errorf("progress events %v", hub.progress)
	}
	if len(hub.errors) != 1 || hub.errors[0] != "GENERATION_FAILED" || len(hub.complete) != 0 {
		t.Errorf("expected one failure event, got errors=%v complete=%d", hub.errors, len(hub.complete))
	}
}
