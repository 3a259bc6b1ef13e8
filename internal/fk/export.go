package fk

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultLinkTTL is the lifetime of access URLs written into tabular exports.
	DefaultLinkTTL = 5 * 24 * time.Hour

	defaultExportConcurrency = 8
	defaultGeneratedBy       = "Data Collection System"
)

// ExportConfig tunes the Exporter.
type ExportConfig struct {
	// LinkTTL is the lifetime of URLs issued for tabular exports.
	LinkTTL time.Duration
	// MinLinkValidity is how long a cached URL must remain valid to be
	// reused in an export instead of being reissued.
	MinLinkValidity time.Duration
	// Concurrency bounds the number of simultaneous issuance requests.
	Concurrency int
	// GeneratedBy is written into the tabular export's metadata block.
	GeneratedBy string
}

func (c ExportConfig) withDefaults() ExportConfig {
	if c.LinkTTL <= 0 {
		c.LinkTTL = DefaultLinkTTL
	}
	if c.MinLinkValidity <= 0 || c.MinLinkValidity > c.LinkTTL {
		c.MinLinkValidity = c.LinkTTL * 4 / 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultExportConcurrency
	}
	if c.GeneratedBy == "" {
		c.GeneratedBy = defaultGeneratedBy
	}
	return c
}

// ExportObserver receives export events. Implementations must be safe for
// concurrent use.
type ExportObserver interface {
	ExportItemFailed(export string)
	ExportCompleted(export string)
}

type nopExportObserver struct{}

func (nopExportObserver) ExportItemFailed(string) {}
func (nopExportObserver) ExportCompleted(string)  {}

// Export kinds reported to an ExportObserver.
const (
	ExportTableKind   = "table"
	ExportArchiveKind = "archive"
)

// SkippedFile records a file that an export could not include.
type SkippedFile struct {
	Reference string
	Err       error
}

// Artifact is a finished export, ready to be saved or streamed.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	// Items is the number of rows (tabular) or files (archive) written.
	Items   int
	Skipped []SkippedFile
}

// Exporter assembles tabular and archive exports of form submissions.
// Individual file failures are recorded in the artifact and never abort an
// export; only failing to read the dataset itself returns ErrTotal.
type Exporter struct {
	store    SubmissionStore
	storage  Storage
	cache    *URLCache
	resolver *PathResolver
	clock    Clock
	logger   Logger
	observer ExportObserver
	cfg      ExportConfig
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

func WithExportClock(c Clock) ExporterOption             { return func(e *Exporter) { e.clock = c } }
func WithExportLogger(l Logger) ExporterOption           { return func(e *Exporter) { e.logger = l } }
func WithExportResolver(r *PathResolver) ExporterOption  { return func(e *Exporter) { e.resolver = r } }
func WithExportObserver(o ExportObserver) ExporterOption { return func(e *Exporter) { e.observer = o } }
func WithExportConfig(cfg ExportConfig) ExporterOption   { return func(e *Exporter) { e.cfg = cfg } }

// NewExporter creates an Exporter. cache issues the links written into
// tabular exports; storage serves the direct downloads archived per submission.
func NewExporter(store SubmissionStore, storage Storage, cache *URLCache, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		store:    store,
		storage:  storage,
		cache:    cache,
		resolver: defaultResolver,
		clock:    RealClock{},
		logger:   NewNopLogger(),
		observer: nopExportObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	return e
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// TableFileName names a tabular export of form taken at t.
func TableFileName(formName string, t time.Time) string {
	return fmt.Sprintf("%s_export_%s.csv", strings.ToLower(nonAlnum.ReplaceAllString(formName, "_")), t.UTC().Format("2006-01-02"))
}

// ArchiveFileName names the archive of one submission.
func ArchiveFileName(formName, userEmail, submissionID string) string {
	return fmt.Sprintf("%s_%s_%s.zip", nonAlnum.ReplaceAllString(formName, "_"), userEmail, shortID(submissionID))
}

// validityText renders a link lifetime for the export disclaimer.
func validityText(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return plural(int64(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	default:
		return plural(int64(d/time.Minute), "minute")
	}
}
