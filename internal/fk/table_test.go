package fk_test

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"formkeep/internal/fk"
	"formkeep/internal/testutil"
)

type exportFixture struct {
	store    fk.SubmissionStore
	storage  *testutil.FakeStorage
	cache    *fk.URLCache
	exporter *fk.Exporter
}

func newExportFixture(t *testing.T, cfg fk.ExportConfig) *exportFixture {
	t.Helper()
	store := testutil.NewTestStore(t)
	storage := testutil.NewFakeStorage()
	clock := testutil.FixedClock()
	cache := newCache(t, storage, clock)
	return &exportFixture{
		store:   store,
		storage: storage,
		cache:   cache,
		exporter: fk.NewExporter(store, storage, cache,
			fk.WithExportClock(clock),
			fk.WithExportConfig(cfg)),
	}
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	return records
}

func TestExportTable_Padding(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "form-1234567890", "Site Survey", "name")

	// Listed newest first, so file counts come out as [0, 3, 1].
	testutil.SeedSubmission(t, f.store, "aaaaaaaa-0", "form-1234567890", 3*time.Minute, map[string]string{"name": "none"})
	testutil.SeedSubmission(t, f.store, "bbbbbbbb-3", "form-1234567890", 2*time.Minute, map[string]string{"name": "three"},
		"s/1.jpg", f.storage.PublicURL("s/2.png"), "s/3.pdf")
	testutil.SeedSubmission(t, f.store, "cccccccc-1", "form-1234567890", time.Minute, map[string]string{"name": "one"},
		"s/only.jpg")

	art, err := f.exporter.ExportTable(context.Background(), "form-1234567890")
	if err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	if art.Name != "site_survey_export_2024-01-15.csv" {
		t.Errorf("Name = %q", art.Name)
	}
	if art.Items != 3 || len(art.Skipped) != 0 {
		t.Errorf("Items = %d, Skipped = %v", art.Items, art.Skipped)
	}

	records := readCSV(t, art.Data)
	if len(records) != 7+1+3 {
		t.Fatalf("record count = %d, want 11", len(records))
	}

	meta := records[:7]
	if meta[0][0] != "Form: Site Survey" {
		t.Errorf("metadata[0] = %q", meta[0][0])
	}
	if meta[1][0] != "Export Date: 2024-01-15 10:30:00 UTC" {
		t.Errorf("metadata[1] = %q", meta[1][0])
	}
	if meta[2][0] != "Total Submissions: 3" {
		t.Errorf("metadata[2] = %q", meta[2][0])
	}
	if !strings.Contains(meta[5][0], "valid for 5 days") {
		t.Errorf("disclaimer = %q", meta[5][0])
	}

	header := records[7]
	wantHeader := []string{"Submission ID", "name", "Files Count",
		"File 1 Name", "File 1 URL", "File 2 Name", "File 2 URL", "File 3 Name", "File 3 URL"}
	if strings.Join(header, "|") != strings.Join(wantHeader, "|") {
		t.Errorf("header = %v, want %v", header, wantHeader)
	}

	rows := records[8:]
	for i, r := range rows {
		if len(r) != len(wantHeader) {
			t.Errorf("row %d has %d cells, want %d", i, len(r), len(wantHeader))
		}
	}

	if rows[0][0] != "aaaaaaaa" || rows[0][2] != "0" {
		t.Errorf("row 0 = %v", rows[0])
	}
	for _, c := range rows[0][3:] {
		if c != "" {
			t.Errorf("row 0 file cells = %v, want all empty", rows[0][3:])
			break
		}
	}

	if rows[1][2] != "3" {
		t.Errorf("row 1 file count = %q", rows[1][2])
	}
	for slot, want := range []string{"1.jpg", "2.png", "3.pdf"} {
		name, u := rows[1][3+2*slot], rows[1][4+2*slot]
		if name != want {
			t.Errorf("row 1 slot %d name = %q, want %q", slot+1, name, want)
		}
		if !strings.Contains(u, "/object/sign/forms/s/"+want) {
			t.Errorf("row 1 slot %d url = %q", slot+1, u)
		}
	}

	if rows[2][3] != "only.jpg" || rows[2][5] != "" || rows[2][6] != "" || rows[2][7] != "" || rows[2][8] != "" {
		t.Errorf("row 2 = %v, want slots 2-3 empty", rows[2])
	}
}

func TestExportTable_ErrorMarkers(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form")
	f.storage.FailIssue("s/denied.jpg", errors.New("forbidden"))
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, nil,
		"https://example.com/elsewhere.jpg", "s/denied.jpg", "s/fine.jpg")

	art, err := f.exporter.ExportTable(context.Background(), "f1")
	if err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	if len(art.Skipped) != 2 {
		t.Errorf("Skipped = %v, want 2 entries", art.Skipped)
	}

	row := readCSV(t, art.Data)[8]
	want := []string{
		fk.UnknownFileName, fk.InvalidPathMarker,
		"denied.jpg", fk.NoURLMarker,
		"fine.jpg",
	}
	for i, w := range want {
		if row[2+i] != w {
			t.Errorf("file cell %d = %q, want %q", i, row[2+i], w)
		}
	}
}

func TestExportTable_QuotesEveryCell(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{GeneratedBy: "ops"})
	testutil.SeedForm(t, f.store, "f1", "Form", "note")
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, map[string]string{"note": `He said "hi", then left`})

	art, err := f.exporter.ExportTable(context.Background(), "f1")
	if err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}

	lines := strings.Split(string(art.Data), "\n")
	if lines[0] != `"Form: Form"` {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[3] != `"Generated by: ops"` {
		t.Errorf("generated-by line = %q", lines[3])
	}
	last := lines[len(lines)-1]
	if last != `"sub-1","He said ""hi"", then left","0","",""` {
		t.Errorf("row line = %q", last)
	}
}

func TestExportTable_DateMatchesFileName(t *testing.T) {
	store := testutil.NewTestStore(t)
	storage := testutil.NewFakeStorage()
	pacific := time.FixedZone("PST", -8*3600)
	clock := testutil.NewStubClock(time.Date(2024, 1, 15, 23, 30, 0, 0, pacific))
	exporter := fk.NewExporter(store, storage, newCache(t, storage, clock), fk.WithExportClock(clock))
	testutil.SeedForm(t, store, "f1", "Late Form")

	art, err := exporter.ExportTable(context.Background(), "f1")
	if err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	if art.Name != "late_form_export_2024-01-16.csv" {
		t.Errorf("Name = %q", art.Name)
	}
	records := readCSV(t, art.Data)
	if records[1][0] != "Export Date: 2024-01-16 07:30:00 UTC" {
		t.Errorf("metadata[1] = %q", records[1][0])
	}
}

func TestExportTable_EmptyForm(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form", "a")

	art, err := f.exporter.ExportTable(context.Background(), "f1")
	if err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}
	records := readCSV(t, art.Data)
	if len(records) != 8 {
		t.Errorf("record count = %d, want metadata and header only", len(records))
	}
	if got := records[7]; len(got) != 5 {
		t.Errorf("header = %v, want one file slot", got)
	}
}

func TestExportTable_TotalFailure(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	_, err := f.exporter.ExportTable(context.Background(), "missing")
	if !errors.Is(err, fk.ErrTotal) || !errors.Is(err, fk.ErrNotFound) {
		t.Errorf("ExportTable() error = %v, want ErrTotal and ErrNotFound", err)
	}
}

func TestExportTable_ReusesLongLivedLinks(t *testing.T) {
	f := newExportFixture(t, fk.ExportConfig{})
	testutil.SeedForm(t, f.store, "f1", "Form")
	testutil.SeedSubmission(t, f.store, "sub-1", "f1", 0, nil, "s/a.jpg")

	// A display-lifetime URL is too short for an export and is reissued.
	if _, err := f.cache.GetOrIssue(context.Background(), "s/a.jpg", fk.DefaultDisplayTTL); err != nil {
		t.Fatalf("GetOrIssue() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.exporter.ExportTable(context.Background(), "f1"); err != nil {
			t.Fatalf("ExportTable() error = %v", err)
		}
	}
	if got := f.storage.IssueCalls("s/a.jpg"); got != 2 {
		t.Errorf("issuance calls = %d, want 2", got)
	}
}

func TestBuildRows_StableOrder(t *testing.T) {
	storage := testutil.NewFakeStorage()
	cache := newCache(t, storage, testutil.FixedClock())
	exp := fk.NewExporter(nil, storage, cache, fk.WithExportConfig(fk.ExportConfig{Concurrency: 3}))

	var subs []*fk.Submission
	for i := 0; i < 5; i++ {
		files := make([]string, 6)
		for j := range files {
			files[j] = strings.Repeat("x", i+1) + "/" + string(rune('a'+j)) + ".jpg"
		}
		subs = append(subs, &fk.Submission{ID: strings.Repeat("x", i+1), UploadedFiles: files})
	}

	rows, skipped := exp.BuildRows(context.Background(), nil, subs)
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v", skipped)
	}
	for i, r := range rows {
		if r.ShortID != subs[i].ShortID() {
			t.Errorf("row %d id = %q, want %q", i, r.ShortID, subs[i].ShortID())
		}
		for j, cell := range r.Files {
			if want := string(rune('a'+j)) + ".jpg"; cell.Name != want {
				t.Errorf("row %d file %d = %q, want %q", i, j, cell.Name, want)
			}
		}
	}
}

func TestFileColumns(t *testing.T) {
	tests := []struct {
		counts []int
		want   int
	}{
		{nil, 1},
		{[]int{0, 0}, 1},
		{[]int{0, 3, 1}, 3},
		{[]int{7}, 7},
	}
	for _, tt := range tests {
		var subs []*fk.Submission
		for _, n := range tt.counts {
			subs = append(subs, &fk.Submission{UploadedFiles: make([]string, n)})
		}
		if got := fk.FileColumns(subs); got != tt.want {
			t.Errorf("FileColumns(%v) = %d, want %d", tt.counts, got, tt.want)
		}
	}
}
