package model

import (
	"fmt"
	"time"
)

// CancelledMessage is stored on every job cancelled through the API.
const CancelledMessage = "cancelled by user"

// Job is a single document generation request tracked by the registry.
type Job struct {
	ID            string     `json:"jobId"`
	SubjectRef    string     `json:"subjectRef"`
	RequestRowRef string     `json:"requestRowRef,omitempty"`
	Format        Format     `json:"format"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	CurrentStep   string     `json:"currentStep,omitempty"`
	Fingerprint   string     `json:"fingerprint"`
	ResultLocator string     `json:"resultLocator,omitempty"`
	Filename      string     `json:"filename,omitempty"`
	Cached        bool       `json:"cached"`
	ErrorMessage  string     `json:"error,omitempty"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Transition describes a requested state change. Build one with the
// helpers below rather than by hand.
type Transition struct {
	To           JobStatus
	Progress     int
	Step         string
	Locator      string
	Filename     string
	Cached       bool
	ErrorMessage string
	ErrorDetail  string
}

// Advance moves a pending or processing job to PROCESSING at the given progress.
func Advance(progress int, step string) Transition {
	return Transition{To: JobStatusProcessing, Progress: progress, Step: step}
}

func Succeed(locator, filename string, cached bool) Transition {
	return Transition{To: JobStatusSuccess, Progress: 100, Step: "Completed", Locator: locator, Filename: filename, Cached: cached}
}

func Fail(message, detail string) Transition {
	return Transition{To: JobStatusFailure, Step: "Failed", ErrorMessage: message, ErrorDetail: detail}
}

func Cancel() Transition {
	return Transition{To: JobStatusCancelled, Step: "Cancelled", ErrorMessage: CancelledMessage}
}

// Apply is the only place job state changes. It returns applied=false
// without error when the job is already terminal, so late writes from a
// worker racing a cancel are dropped.
func (j *Job) Apply(t Transition, now time.Time) (bool, error) {
	if j.Status.IsTerminal() {
		return false, nil
	}

	switch t.To {
	case JobStatusProcessing:
		if t.Progress < j.Progress || t.Progress >= 100 {
			return false, fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, j.Progress, t.Progress)
		}
		if j.Status == JobStatusPending {
			j.StartedAt = &now
		}
		j.Status = JobStatusProcessing
		j.Progress = t.Progress
		j.CurrentStep = t.Step

	case JobStatusSuccess:
		if j.Status != JobStatusProcessing {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, t.To)
		}
		if t.Locator == "" {
			return false, fmt.Errorf("%w: success without result locator", ErrInvalidTransition)
		}
		j.Status = JobStatusSuccess
		j.Progress = 100
		j.CurrentStep = t.Step
		j.ResultLocator = t.Locator
		j.Filename = t.Filename
		j.Cached = t.Cached
		j.CompletedAt = &now

	case JobStatusFailure:
		msg := t.ErrorMessage
		if msg == "" {
			msg = "Document generation failed"
		}
		j.Status = JobStatusFailure
		j.CurrentStep = t.Step
		j.ErrorMessage = msg
		j.ErrorDetail = t.ErrorDetail
		j.CompletedAt = &now

	case JobStatusCancelled:
		j.Status = JobStatusCancelled
		j.CurrentStep = t.Step
		j.ErrorMessage = CancelledMessage
		j.CompletedAt = &now

	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, t.To)
	}

	return true, nil
}

// GenerationRequest is the validated input to a submission.
type GenerationRequest struct {
	SubjectRef     string `json:"subjectRef" validate:"required,max=128"`
	SubjectContent string `json:"subjectContent" validate:"required"`
	Params         string `json:"params" validate:"required,max=20000"`
	Format         Format `json:"format" validate:"required,oneof=word pdf"`
	RequestRowRef  string `json:"requestRowRef,omitempty" validate:"omitempty,max=128"`
}

// SubmitResponse is returned from a submission.
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Cached    bool      `json:"cached"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobResult is the downloadable artifact of a successful job.
type JobResult struct {
	JobID       string `json:"jobId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"-"`
}

// JobListResponse lists a subject's jobs, newest first.
type JobListResponse struct {
	SubjectRef string `json:"subjectRef"`
	Jobs       []*Job `json:"jobs"`
}

// GenerationTaskPayload travels with the queued task. The job row keeps
// only the fingerprint of these inputs.
type GenerationTaskPayload struct {
	SubjectContent string `json:"subjectContent"`
	Params         string `json:"params"`
}
