package fk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cell values written when a file cannot be linked.
const (
	UnknownFileName   = "Unknown file"
	InvalidPathMarker = "Error: Invalid file path"
	NoURLMarker       = "Error: Could not generate download URL"
)

// FileCell is one (name, url) column pair of an export row.
type FileCell struct {
	Name string
	URL  string
}

// ExportRow is one submission in a tabular export.
type ExportRow struct {
	ShortID     string
	FieldValues []string
	FileCount   int
	Files       []FileCell
}

// Cells flattens the row in column order.
func (r ExportRow) Cells() []string {
	cells := make([]string, 0, 2+len(r.FieldValues)+2*len(r.Files))
	cells = append(cells, r.ShortID)
	cells = append(cells, r.FieldValues...)
	cells = append(cells, strconv.Itoa(r.FileCount))
	for _, f := range r.Files {
		cells = append(cells, f.Name, f.URL)
	}
	return cells
}

// FileColumns returns the number of (name, url) column pairs a table over
// submissions needs: the largest file count, and never less than one.
func FileColumns(submissions []*Submission) int {
	width := 1
	for _, s := range submissions {
		if n := len(s.UploadedFiles); n > width {
			width = n
		}
	}
	return width
}

// ExportTable builds the tabular export of every submission of a form.
func (e *Exporter) ExportTable(ctx context.Context, formID string) (*Artifact, error) {
	form, err := e.store.FindForm(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading form: %w", ErrTotal, err)
	}
	if form == nil {
		return nil, fmt.Errorf("%w: form %w: %s", ErrTotal, ErrNotFound, formID)
	}

	fields, err := e.store.ListFields(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading fields: %w", ErrTotal, err)
	}

	submissions, err := e.store.ListSubmissions(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading submissions: %w", ErrTotal, err)
	}

	e.logger.Info("starting table export", "form", formID, "submissions", len(submissions))

	rows, skipped := e.BuildRows(ctx, fields, submissions)
	now := e.clock.Now()
	width := FileColumns(submissions)

	var b strings.Builder
	writeRecords(&b, e.metadataBlock(form, len(submissions), now))
	writeRecords(&b, [][]string{headerRow(fields, width)})
	for _, r := range rows {
		writeRecords(&b, [][]string{r.Cells()})
	}

	for range skipped {
		e.observer.ExportItemFailed(ExportTableKind)
	}
	e.observer.ExportCompleted(ExportTableKind)

	name := TableFileName(form.Name, now)
	e.logger.Info("table export complete", "form", formID, "file", name, "failed_links", len(skipped))

	return &Artifact{
		Name:        name,
		ContentType: "text/csv; charset=utf-8",
		Data:        []byte(strings.TrimSuffix(b.String(), "\n")),
		Items:       len(rows),
		Skipped:     skipped,
	}, nil
}

// BuildRows computes one row per submission, in the order given, with file
// columns in upload order and padded to the table width. Links are issued
// concurrently but always land in their own column.
func (e *Exporter) BuildRows(ctx context.Context, fields []*FormField, submissions []*Submission) ([]ExportRow, []SkippedFile) {
	width := FileColumns(submissions)
	rows := make([]ExportRow, len(submissions))

	var (
		mu      sync.Mutex
		skipped []SkippedFile
		g       errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)

	for i, s := range submissions {
		values := make([]string, len(fields))
		for j, f := range fields {
			values[j] = s.SubmittedData[f.Key]
		}
		rows[i] = ExportRow{
			ShortID:     s.ShortID(),
			FieldValues: values,
			FileCount:   len(s.UploadedFiles),
			Files:       make([]FileCell, width),
		}

		for j, ref := range s.UploadedFiles {
			cell := &rows[i].Files[j]
			g.Go(func() error {
				c, err := e.linkFor(ctx, ref)
				*cell = c
				if err != nil {
					mu.Lock()
					skipped = append(skipped, SkippedFile{Reference: ref, Err: err})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	return rows, skipped
}

// linkFor resolves ref and issues a long-lived URL for it. Failures are
// encoded in the returned cell.
func (e *Exporter) linkFor(ctx context.Context, ref string) (FileCell, error) {
	path, err := e.resolver.Resolve(ref)
	if err != nil {
		e.logger.Warn("export: unresolvable file reference", "reference", ref, "error", err)
		return FileCell{Name: UnknownFileName, URL: InvalidPathMarker}, err
	}

	name := FileNameOf(path)
	if name == "" {
		name = "unknown"
	}

	u, err := e.cache.Issue(ctx, path, IssueOptions{TTL: e.cfg.LinkTTL, MinRemaining: e.cfg.MinLinkValidity})
	if err != nil {
		e.logger.Warn("export: could not issue download url", "path", path, "error", err)
		return FileCell{Name: name, URL: NoURLMarker}, err
	}
	return FileCell{Name: name, URL: u}, nil
}

func (e *Exporter) metadataBlock(form *Form, count int, now time.Time) [][]string {
	return [][]string{
		{"Form: " + form.Name},
		{"Export Date: " + now.UTC().Format("2006-01-02 15:04:05 MST")},
		{fmt.Sprintf("Total Submissions: %d", count)},
		{"Generated by: " + e.cfg.GeneratedBy},
		{""},
		{fmt.Sprintf("IMPORTANT: Download URLs are valid for %s. Files are organized in separate columns for easy access.", validityText(e.cfg.LinkTTL))},
		{""},
	}
}

func headerRow(fields []*FormField, width int) []string {
	header := make([]string, 0, 2+len(fields)+2*width)
	header = append(header, "Submission ID")
	for _, f := range fields {
		header = append(header, f.Name)
	}
	header = append(header, "Files Count")
	for i := 1; i <= width; i++ {
		header = append(header, fmt.Sprintf("File %d Name", i), fmt.Sprintf("File %d URL", i))
	}
	return header
}

// writeRecords writes every cell double-quoted with embedded quotes doubled,
// cells separated by commas and records terminated by "\n".
func writeRecords(b *strings.Builder, records [][]string) {
	for _, rec := range records {
		for i, cell := range rec {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(cell, `"`, `""`))
			b.WriteByte('"')
		}
		b.WriteByte('\n')
	}
}
