package testutil

import (
	"context"
	"testing"
	"time"

	"formkeep/internal/fk"
)

// SeedForm stores an active form with one text field per key, in order.
func SeedForm(t *testing.T, store fk.SubmissionStore, id, name string, keys ...string) *fk.Form {
	t.Helper()
	ctx := context.Background()

	form := &fk.Form{
		ID:            id,
		Name:          name,
		Active:        true,
		MaxFileCount:  5,
		MaxFileSizeMB: 10,
		CreatedAt:     FixedClock().Now(),
	}
	if err := store.CreateForm(ctx, form); err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	for i, key := range keys {
		field := &fk.FormField{FormID: id, Name: key, Key: key, Type: fk.FieldText, OrderIndex: i}
		if err := store.AddField(ctx, field); err != nil {
			t.Fatalf("AddField(%q) error = %v", key, err)
		}
	}
	return form
}

// SeedSubmission stores a submission created offset after FixedClock.
func SeedSubmission(t *testing.T, store fk.SubmissionStore, id, formID string, offset time.Duration, data map[string]string, files ...string) *fk.Submission {
	t.Helper()

	sub := &fk.Submission{
		ID:            id,
		FormID:        formID,
		SubmittedData: data,
		UploadedFiles: files,
		UserEmail:     "respondent@example.com",
		CreatedAt:     FixedClock().Now().Add(offset),
	}
	if err := store.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	return sub
}
