package fk

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultCacheControl  = "3600"
	defaultMaxFileSizeMB = 10
)

var (
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	unsafeEmailChars = regexp.MustCompile(`[^a-zA-Z0-9@.\-]`)
)

// UploadFile is a file attached to a new submission.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// ValidationError lists every rule a submission broke, keyed by field key
// ("email" and "files" for the built-in inputs).
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// IntakeConfig tunes submission intake.
type IntakeConfig struct {
	// AnonymizePaths stores files under a hashed user folder instead of the
	// respondent's e-mail address.
	AnonymizePaths bool
	// CacheControl is sent with every upload. Defaults to "3600".
	CacheControl string
}

// Intake accepts respondent submissions: it validates them against the
// form, uploads their files and records the submission.
type Intake struct {
	store   SubmissionStore
	storage Storage
	idgen   IDGenerator
	clock   Clock
	logger  Logger
	cfg     IntakeConfig
}

// NewIntake creates an Intake.
func NewIntake(store SubmissionStore, storage Storage, idgen IDGenerator, clock Clock, logger Logger, cfg IntakeConfig) *Intake {
	if cfg.CacheControl == "" {
		cfg.CacheControl = defaultCacheControl
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Intake{store: store, storage: storage, idgen: idgen, clock: clock, logger: logger, cfg: cfg}
}

// Submit validates and records a submission. Stored references are the
// public URLs of the uploaded objects.
func (in *Intake) Submit(ctx context.Context, formID, email string, data map[string]string, files []UploadFile) (*Submission, error) {
	form, err := in.store.FindForm(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("loading form: %w", err)
	}
	if form == nil {
		return nil, fmt.Errorf("form not found: %s", formID)
	}
	if !form.Active {
		return nil, fmt.Errorf("form is not accepting submissions: %s", form.Name)
	}

	fields, err := in.store.ListFields(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("loading fields: %w", err)
	}

	if err := Validate(form, fields, email, data, files); err != nil {
		return nil, err
	}

	sub := &Submission{
		ID:            in.idgen.New(),
		FormID:        form.ID,
		SubmittedData: make(map[string]string, len(fields)),
		UserEmail:     email,
		CreatedAt:     in.clock.Now(),
	}
	for _, f := range fields {
		if v, ok := data[f.Key]; ok {
			sub.SubmittedData[f.Key] = v
		}
	}

	for _, f := range files {
		var p string
		if in.cfg.AnonymizePaths {
			p = AnonymousPath(email, form.Name, sub.ID, f.Name)
		} else {
			p = SubmissionPath(form, email, sub.ID, f.Name)
		}

		ct := f.ContentType
		if ct == "" {
			ct = ContentTypeOf(f.Name)
		}
		opts := UploadOptions{ContentType: ct, CacheControl: in.cfg.CacheControl}
		if err := in.storage.Upload(ctx, p, bytes.NewReader(f.Data), int64(len(f.Data)), opts); err != nil {
			return nil, fmt.Errorf("uploading %s: %w", f.Name, err)
		}
		sub.UploadedFiles = append(sub.UploadedFiles, in.storage.PublicURL(p))
		in.logger.Debug("submission file uploaded", "path", p, "size", len(f.Data))
	}

	if err := in.store.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("recording submission: %w", err)
	}

	in.logger.Info("submission recorded", "submission", sub.ID, "form", form.ID, "files", len(sub.UploadedFiles))
	return sub, nil
}

// Validate checks a submission against its form's rules.
// A non-positive MaxFileCount means no limit on the number of files.
func Validate(form *Form, fields []*FormField, email string, data map[string]string, files []UploadFile) error {
	errs := make(map[string]string)

	switch {
	case strings.TrimSpace(email) == "":
		errs["email"] = "Email is required"
	case !emailPattern.MatchString(email):
		errs["email"] = "Please enter a valid email address"
	}

	for _, f := range fields {
		if f.Required && strings.TrimSpace(data[f.Key]) == "" {
			errs[f.Key] = f.Name + " is required"
			continue
		}
		if f.Type == FieldSelect && data[f.Key] != "" && !contains(f.Options, data[f.Key]) {
			errs[f.Key] = fmt.Sprintf("%s must be one of: %s", f.Name, strings.Join(f.Options, ", "))
		}
	}

	if form.FilesRequired && len(files) == 0 {
		errs["files"] = "At least one file is required"
	}
	if form.MaxFileCount > 0 && len(files) > form.MaxFileCount {
		errs["files"] = fmt.Sprintf("Maximum %d files allowed", form.MaxFileCount)
	}

	maxMB := form.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxFileSizeMB
	}
	for _, f := range files {
		if int64(len(f.Data)) > int64(maxMB)*1024*1024 {
			errs["files"] = fmt.Sprintf("File %q exceeds %dMB limit", f.Name, maxMB)
		}
		ct := f.ContentType
		if ct == "" {
			ct = ContentTypeOf(f.Name)
		}
		if !TypeAllowed(form.AllowedFileTypes, ct) {
			errs["files"] = fmt.Sprintf("File %q type not allowed", f.Name)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// TypeAllowed reports whether contentType matches one of the allowed
// patterns ("image/*", "application/pdf"). An empty list allows everything.
func TypeAllowed(allowed []string, contentType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if ok, err := path.Match(pattern, contentType); err == nil && ok {
			return true
		}
	}
	return false
}

// SubmissionPath is the storage layout for a submission's file:
// <form name>_<form id prefix>/<email>/<submission id>/<file name>.
func SubmissionPath(form *Form, email, submissionID, fileName string) string {
	cleanForm := strings.ToLower(nonAlnum.ReplaceAllString(form.Name, "_"))
	cleanEmail := strings.ToLower(unsafeEmailChars.ReplaceAllString(email, "_"))
	return fmt.Sprintf("%s_%s/%s/%s/%s", cleanForm, shortID(form.ID), cleanEmail, submissionID, cleanFileName(fileName))
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
