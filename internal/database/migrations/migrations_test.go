package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{"forms", "form_fields", "form_submissions", "operations", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := CheckDBMigrationStatus(db)
	if !errors.Is(err, ErrNoVersion) {
		t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoVersion", err)
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}

	st, err := ReadStatus(db)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if !st.Current() {
		t.Errorf("ReadStatus() = %+v, want current", st)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO form_submissions (id, form_id, user_email, created_at)
		VALUES ('sub-1', 'no-such-form', 'a@b.co', datetime('now'))
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_FieldKeyUniquePerForm(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO forms (id, name, created_at) VALUES ('f1', 'Form', datetime('now'))"); err != nil {
		t.Fatalf("Failed to insert form: %v", err)
	}
	insert := "INSERT INTO form_fields (id, form_id, field_name, field_key, field_type) VALUES (?, 'f1', 'Name', 'name', 'text')"
	if _, err := db.Exec(insert, "fld-1"); err != nil {
		t.Fatalf("Failed to insert first field: %v", err)
	}
	if _, err := db.Exec(insert, "fld-2"); err == nil {
		t.Error("Expected unique constraint violation for duplicate field key, but insert succeeded")
	}
}

func TestSchema_FieldTypeChecked(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO forms (id, name, created_at) VALUES ('f1', 'Form', datetime('now'))"); err != nil {
		t.Fatalf("Failed to insert form: %v", err)
	}
	_, err := db.Exec("INSERT INTO form_fields (id, form_id, field_name, field_key, field_type) VALUES ('x', 'f1', 'N', 'n', 'checkbox')")
	if err == nil {
		t.Error("Expected check constraint violation for unknown field type, but insert succeeded")
	}
}

// openTestDB opens an in-memory SQLite database for testing.
// The pool is limited to one connection so every query sees the same database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}
