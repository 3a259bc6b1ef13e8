package fk

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
)

// ArchiveFolder is the top-level folder a submission's files are archived under.
func ArchiveFolder(submissionID string) string {
	return "submission_" + shortID(submissionID)
}

// ExportArchive bundles the files of one submission into a zip archive.
// Files that cannot be resolved or downloaded are skipped; a submission
// with no retrievable files still yields a valid archive.
func (e *Exporter) ExportArchive(ctx context.Context, submissionID string) (*Artifact, error) {
	sub, err := e.store.FindSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading submission: %w", ErrTotal, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: submission %w: %s", ErrTotal, ErrNotFound, submissionID)
	}

	form, err := e.store.FindForm(ctx, sub.FormID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading form: %w", ErrTotal, err)
	}
	if form == nil {
		return nil, fmt.Errorf("%w: form %w: %s", ErrTotal, ErrNotFound, sub.FormID)
	}

	e.logger.Info("starting archive export", "submission", sub.ID, "files", len(sub.UploadedFiles))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	folder := ArchiveFolder(sub.ID)
	if _, err := zw.Create(folder + "/"); err != nil {
		return nil, fmt.Errorf("creating archive folder: %w", err)
	}

	var (
		skipped []SkippedFile
		written int
		used    = make(map[string]int)
	)
	for i, ref := range sub.UploadedFiles {
		data, name, err := e.fetchForArchive(ctx, ref, i)
		if err != nil {
			e.logger.Warn("archive: skipping file", "reference", ref, "error", err)
			e.observer.ExportItemFailed(ExportArchiveKind)
			skipped = append(skipped, SkippedFile{Reference: ref, Err: err})
			continue
		}

		hdr := &zip.FileHeader{
			Name:     folder + "/" + uniqueName(used, name),
			Method:   zip.Deflate,
			Modified: sub.CreatedAt,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("adding %s to archive: %w", hdr.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("writing %s to archive: %w", hdr.Name, err)
		}
		written++
		e.logger.Debug("archive: added file", "entry", hdr.Name, "size", len(data))
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	e.observer.ExportCompleted(ExportArchiveKind)

	name := ArchiveFileName(form.Name, sub.UserEmail, sub.ID)
	e.logger.Info("archive export complete", "submission", sub.ID, "file", name, "written", written, "skipped", len(skipped))

	return &Artifact{
		Name:        name,
		ContentType: "application/zip",
		Data:        buf.Bytes(),
		Items:       written,
		Skipped:     skipped,
	}, nil
}

// fetchForArchive resolves ref and downloads its bytes directly from storage.
// The whole object is buffered so a failed download never leaves a partial
// archive entry.
func (e *Exporter) fetchForArchive(ctx context.Context, ref string, index int) ([]byte, string, error) {
	p, err := e.resolver.Resolve(ref)
	if err != nil {
		return nil, "", err
	}

	var data bytes.Buffer
	if err := e.storage.Download(ctx, p, &data); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrDownload, p, err)
	}

	name := FileNameOf(p)
	if name == "" {
		name = fmt.Sprintf("file_%d", index+1)
	}
	return data.Bytes(), name, nil
}

// uniqueName returns name, or name with the lowest free numeric suffix if
// it was already used in the same folder. The returned name is marked used.
func uniqueName(used map[string]int, name string) string {
	if used[name] == 0 {
		used[name] = 1
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := used[name] + 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if used[candidate] == 0 {
			used[name] = n
			used[candidate] = 1
			return candidate
		}
	}
}
