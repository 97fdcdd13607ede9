package model

// Job statuses
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailure    JobStatus = "FAILURE"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may change the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailure, JobStatusCancelled:
		return true
	}
	return false
}

// Output formats
type Format string

const (
	FormatWord Format = "word"
	FormatPDF  Format = "pdf"
)

var ValidFormats = []Format{FormatWord, FormatPDF}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	if f == FormatPDF {
		return ".pdf"
	}
	return ".docx"
}

// ContentType returns the MIME type of an artifact in this format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
}

// Section kinds produced by the generator
type SectionKind string

const (
	SectionPrimary SectionKind = "primary"
	SectionHistory SectionKind = "history"
)
