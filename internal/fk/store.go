package fk

import (
	"context"
	"time"
)

// FieldType is the input type of a form field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldSelect FieldType = "select"
)

// Form is an operator-defined form.
type Form struct {
	ID               string
	Name             string
	Description      string
	Active           bool
	MaxFileCount     int
	MaxFileSizeMB    int
	AllowedFileTypes []string
	FilesRequired    bool
	CreatedAt        time.Time
}

// FormField is one input of a form.
type FormField struct {
	ID         string
	FormID     string
	Name       string
	Key        string
	Type       FieldType
	Options    []string
	Required   bool
	OrderIndex int
}

// Submission is one respondent's entry for a form.
// UploadedFiles holds stored-object references in upload order.
type Submission struct {
	ID            string
	FormID        string
	SubmittedData map[string]string
	UploadedFiles []string
	UserEmail     string
	CreatedAt     time.Time
}

// ShortID returns the first eight characters of the submission ID.
func (s *Submission) ShortID() string {
	return shortID(s.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SubmissionStore reads and writes forms and submissions.
// Lookups of missing records return (nil, nil).
type SubmissionStore interface {
	CreateForm(ctx context.Context, form *Form) error
	FindForm(ctx context.Context, id string) (*Form, error)
	ListForms(ctx context.Context) ([]*Form, error)

	AddField(ctx context.Context, field *FormField) error
	// ListFields returns the form's fields ordered by OrderIndex.
	ListFields(ctx context.Context, formID string) ([]*FormField, error)

	CreateSubmission(ctx context.Context, s *Submission) error
	FindSubmission(ctx context.Context, id string) (*Submission, error)
	// ListSubmissions returns the form's submissions, newest first.
	ListSubmissions(ctx context.Context, formID string) ([]*Submission, error)
}
