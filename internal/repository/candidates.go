package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/resumeforge/api/internal/model"
)

// ErrRowNotFound is returned when no request row matches both ids.
var ErrRowNotFound = errors.New("request row not found")

// Candidate is the subset of a candidate profile used to build prompts.
type Candidate struct {
	ID              int64
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	City            string
	State           string
	Country         string
	TechnicalSkills string
	WorkExperience  string
	Education       string
	Certificates    string
}

// FormatCandidate renders a profile as the plain-text block the section
// generator receives. Empty optional sections are omitted.
func FormatCandidate(c Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s %s\n", c.FirstName, c.LastName)
	fmt.Fprintf(&b, "Email: %s\n", orNA(c.Email))
	fmt.Fprintf(&b, "Phone: %s\n", orNA(c.Phone))

	var location []string
	for _, part := range []string{c.City, c.State, c.Country} {
		if part != "" {
			location = append(location, part)
		}
	}
	if len(location) > 0 {
		fmt.Fprintf(&b, "Location: %s\n", strings.Join(location, ", "))
	}
	b.WriteString("\n")

	for _, section := range []struct{ title, body string }{
		{"Technical Skills", c.TechnicalSkills},
		{"Work Experience", c.WorkExperience},
		{"Education", c.Education},
		{"Certifications", c.Certificates},
	} {
		if section.body != "" {
			fmt.Fprintf(&b, "%s:\n%s\n\n", section.title, section.body)
		}
	}
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func parseID(ref string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", ref)
	}
	return id, nil
}

// SubjectContent loads a candidate by id and formats it.
func (s *Store) SubjectContent(ctx context.Context, subjectRef string) (string, error) {
	id, err := parseID(subjectRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrSubjectNotFound, err)
	}

	var c Candidate
	err = s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name,
		       COALESCE(email, ''), COALESCE(phone, ''),
		       COALESCE(city, ''), COALESCE(state, ''), COALESCE(country, ''),
		       COALESCE(technical_skills, ''), COALESCE(work_experience, ''),
		       COALESCE(education, ''), COALESCE(certificates, '')
		FROM candidate WHERE id = $1`, id,
	).Scan(&c.ID, &c.FirstName, &c.LastName,
		&c.Email, &c.Phone,
		&c.City, &c.State, &c.Country,
		&c.TechnicalSkills, &c.WorkExperience,
		&c.Education, &c.Certificates)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.ErrSubjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load candidate %d: %w", id, err)
	}
	return FormatCandidate(c), nil
}

// UpdateGeneratedText stores merged text on a request row belonging to
// the subject.
func (s *Store) UpdateGeneratedText(ctx context.Context, subjectRef, rowRef, text string) error {
	rowID, err := parseID(rowRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRowNotFound, err)
	}
	subjectID, err := parseID(subjectRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRowNotFound, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE candidate_job SET resume_content = $1 WHERE id = $2 AND candidate_id = $3`,
		text, rowID, subjectID,
	)
	if err != nil {
		return fmt.Errorf("update request row %d: %w", rowID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}
