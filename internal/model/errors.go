package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotReady       = errors.New("job not completed")
	ErrQuotaExceeded     = errors.New("daily generation quota exceeded")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrSubjectNotFound   = errors.New("subject not found")
)

// ValidationError reports rejected submission fields, keyed by field name
// with the failing rule as value.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name, tag := range e.Fields {
		names = append(names, name+"="+tag)
	}
	sort.Strings(names)
	return "validation failed: " + strings.Join(names, ", ")
}

// GenerationError is returned once every attempt against the text
// generation service has failed.
type GenerationError struct {
	Attempts int
	Cause    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("text generation failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// RenderError wraps a renderer failure for one output format.
type RenderError struct {
	Format Format
	Cause  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Format, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }
