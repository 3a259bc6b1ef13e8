package fk_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"formkeep/internal/fk"
	"formkeep/internal/testutil"
)

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("archive is not a valid zip: %v", err)
	}
	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", f.Name, err)
		}
		entries[f.Name] = string(b)
	}
	return entries
}

func fileEntries(entries map[string]string) []string {
	var names []string
	for name := range entries {
		if name[len(name)-1] != '/' {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func TestExportArchive_PartialFailure(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Site Survey")
	f.storage.Put("s/one.jpg", []byte("first"))
	f.storage.Put("s/two.jpg", []byte("second"))
	f.storage.Put("s/three.pdf", []byte("third"))
	f.storage.FailDownload("s/two.jpg", errors.New("timeout"))
	sub := testutil.SeedSubmission(t, f.store, "abcdef12-3456", "f1", 0, nil,
		f.storage.PublicURL("s/one.jpg"), "s/two.jpg", "s/three.pdf")

	art, err := f.exporter.ExportArchive(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}
	if art.Name != "Site_Survey_respondent@example.com_abcdef12.zip" {
		t.Errorf("Name = %q", art.Name)
	}
	if art.Items != 2 || len(art.Skipped) != 1 {
		t.Errorf("Items = %d, Skipped = %v, want 2 and 1", art.Items, art.Skipped)
	}
	if !errors.Is(art.Skipped[0].Err, fk.ErrDownload) {
		t.Errorf("skip reason = %v, want ErrDownload", art.Skipped[0].Err)
	}

	entries := readZip(t, art.Data)
	got := fileEntries(entries)
	want := []string{"submission_abcdef12/one.jpg", "submission_abcdef12/three.pdf"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("entries = %v, want %v", got, want)
	}
	if entries["submission_abcdef12/one.jpg"] != "first" {
		t.Errorf("one.jpg content = %q", entries["submission_abcdef12/one.jpg"])
	}
	if f.storage.TotalIssueCalls() != 0 {
		t.Errorf("issuance calls = %d, archives download directly", f.storage.TotalIssueCalls())
	}
}

func TestExportArchive_NoFiles(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form")
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, nil, "https://example.com/x.jpg")

	art, err := f.exporter.ExportArchive(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}
	entries := readZip(t, art.Data)
	if len(fileEntries(entries)) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
	if _, ok := entries["submission_sub-1/"]; !ok {
		t.Errorf("entries = %v, want the submission folder", entries)
	}
	if len(art.Skipped) != 1 || !errors.Is(art.Skipped[0].Err, fk.ErrResolution) {
		t.Errorf("Skipped = %v, want one resolution failure", art.Skipped)
	}
}

func TestExportArchive_DuplicateNames(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form")
	f.storage.Put("a/photo.jpg", []byte("a"))
	f.storage.Put("b/photo.jpg", []byte("b"))
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, nil, "a/photo.jpg", "b/photo.jpg")

	art, err := f.exporter.ExportArchive(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}
	entries := readZip(t, art.Data)
	if entries["submission_sub-1/photo.jpg"] != "a" || entries["submission_sub-1/photo_2.jpg"] != "b" {
		t.Errorf("entries = %v", entries)
	}
}

func TestExportArchive_SuffixDoesNotCollide(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form")
	f.storage.Put("a/photo_2.jpg", []byte("a"))
	f.storage.Put("b/photo.jpg", []byte("b"))
	f.storage.Put("c/photo.jpg", []byte("c"))
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, nil, "a/photo_2.jpg", "b/photo.jpg", "c/photo.jpg")

	art, err := f.exporter.ExportArchive(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(art.Data), int64(len(art.Data)))
	if err != nil {
		t.Fatalf("archive is not a valid zip: %v", err)
	}
	seen := make(map[string]int)
	for _, zf := range zr.File {
		seen[zf.Name]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Errorf("entry %q written %d times", name, n)
		}
	}

	entries := readZip(t, art.Data)
	want := map[string]string{
		"submission_sub-1/photo_2.jpg": "a",
		"submission_sub-1/photo.jpg":   "b",
		"submission_sub-1/photo_3.jpg": "c",
	}
	for name, content := range want {
		if entries[name] != content {
			t.Errorf("%s = %q, want %q", name, entries[name], content)
		}
	}
	if art.Items != 3 {
		t.Errorf("Items = %d, want 3", art.Items)
	}
}

func TestExportArchive_TotalFailure(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	_, err := f.exporter.ExportArchive(context.Background(), "missing")
	if !errors.Is(err, fk.ErrTotal) || !errors.Is(err, fk.ErrNotFound) {
		t.Errorf("ExportArchive() error = %v, want ErrTotal and ErrNotFound", err)
	}
}
