package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"formkeep/internal/database/migrations"
	"formkeep/internal/fk"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation is a recorded CLI or server operation.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}

// SQLiteStore implements fk.SubmissionStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock fk.Clock
	idgen fk.IDGenerator
}

var _ fk.SubmissionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens a SQLite store. path can be a file path or ":memory:".
// A nil clock or idgen falls back to the real implementations.
func NewSQLiteStore(path string, clock fk.Clock, idgen fk.IDGenerator) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db, path, clock, idgen), nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB, path string, clock fk.Clock, idgen fk.IDGenerator) *SQLiteStore {
	if clock == nil {
		clock = fk.RealClock{}
	}
	if idgen == nil {
		idgen = fk.UUIDGenerator{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock, idgen: idgen}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	return db, nil
}

// Migrate brings the schema to the latest version.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations returns an error unless the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrationStatus returns the schema version details.
func (s *SQLiteStore) MigrationStatus() (migrations.Status, error) {
	return migrations.ReadStatus(s.db)
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Form operations

func (s *SQLiteStore) CreateForm(ctx context.Context, f *fk.Form) error {
	if f.ID == "" {
		f.ID = s.idgen.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.clock.Now()
	}
	types, err := encodeJSON(f.AllowedFileTypes, "[]")
	if err != nil {
		return fmt.Errorf("encoding allowed file types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO forms (id, name, description, is_active, max_file_count, max_file_size_mb, allowed_file_types, files_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Description, f.Active, f.MaxFileCount, f.MaxFileSizeMB, types, f.FilesRequired, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating form: %w", err)
	}
	return nil
}

const formColumns = `id, name, description, is_active, max_file_count, max_file_size_mb, allowed_file_types, files_required, created_at`

func (s *SQLiteStore) FindForm(ctx context.Context, id string) (*fk.Form, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id = ?`, id)
	f, err := scanForm(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding form: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListForms(ctx context.Context) ([]*fk.Form, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing forms: %w", err)
	}
	defer rows.Close()

	var forms []*fk.Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("listing forms: %w", err)
		}
		forms = append(forms, f)
	}
	return forms, rows.Err()
}

// Field operations

func (s *SQLiteStore) AddField(ctx context.Context, f *fk.FormField) error {
	if f.ID == "" {
		f.ID = s.idgen.New()
	}
	if f.Type == "" {
		f.Type = fk.FieldText
	}
	opts, err := encodeJSON(f.Options, "[]")
	if err != nil {
		return fmt.Errorf("encoding field options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO form_fields (id, form_id, field_name, field_key, field_type, field_options, is_required, order_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.FormID, f.Name, f.Key, string(f.Type), opts, f.Required, f.OrderIndex)
	if err != nil {
		return fmt.Errorf("adding field %q: %w", f.Key, err)
	}
	return nil
}

func (s *SQLiteStore) ListFields(ctx context.Context, formID string) ([]*fk.FormField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, field_name, field_key, field_type, field_options, is_required, order_index
		FROM form_fields WHERE form_id = ? ORDER BY order_index, field_key`, formID)
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	defer rows.Close()

	var fields []*fk.FormField
	for rows.Next() {
		var (
			f    fk.FormField
			typ  string
			opts string
		)
		if err := rows.Scan(&f.ID, &f.FormID, &f.Name, &f.Key, &typ, &opts, &f.Required, &f.OrderIndex); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		f.Type = fk.FieldType(typ)
		if err := json.Unmarshal([]byte(opts), &f.Options); err != nil {
			return nil, fmt.Errorf("decoding options of field %s: %w", f.Key, err)
		}
		fields = append(fields, &f)
	}
	return fields, rows.Err()
}

// Submission operations

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *fk.Submission) error {
	if sub.ID == "" {
		sub.ID = s.idgen.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.clock.Now()
	}
	data, err := encodeJSON(sub.SubmittedData, "{}")
	if err != nil {
		return fmt.Errorf("encoding submitted data: %w", err)
	}
	files, err := encodeJSON(sub.UploadedFiles, "[]")
	if err != nil {
		return fmt.Errorf("encoding uploaded files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO form_submissions (id, form_id, submitted_data, uploaded_files, user_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.FormID, data, files, sub.UserEmail, sub.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, form_id, submitted_data, uploaded_files, user_email, created_at`

func (s *SQLiteStore) FindSubmission(ctx context.Context, id string) (*fk.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM form_submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding submission: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, formID string) ([]*fk.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM form_submissions
		WHERE form_id = ? ORDER BY created_at DESC, id DESC`, formID)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	var subs []*fk.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("listing submissions: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Operation tracking

func (s *SQLiteStore) CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error) {
	op := &Operation{
		StartedAt:  s.clock.Now().UTC(),
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)`,
		op.StartedAt, op.Operation, op.Parameters, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteStore) FinishOperation(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		s.clock.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %d", id)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanForm(row scanner) (*fk.Form, error) {
	var (
		f     fk.Form
		types string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Active, &f.MaxFileCount, &f.MaxFileSizeMB, &types, &f.FilesRequired, &f.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(types), &f.AllowedFileTypes); err != nil {
		return nil, fmt.Errorf("decoding allowed file types of form %s: %w", f.ID, err)
	}
	return &f, nil
}

func scanSubmission(row scanner) (*fk.Submission, error) {
	var (
		sub   fk.Submission
		data  string
		files string
	)
	if err := row.Scan(&sub.ID, &sub.FormID, &data, &files, &sub.UserEmail, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &sub.SubmittedData); err != nil {
		return nil, fmt.Errorf("decoding data of submission %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &sub.UploadedFiles); err != nil {
		return nil, fmt.Errorf("decoding files of submission %s: %w", sub.ID, err)
	}
	return &sub, nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
