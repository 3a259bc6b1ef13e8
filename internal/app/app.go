// Package app wires the formkeep components from configuration and exposes
// the operations the CLI runs.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"formkeep/internal/blobs"
	"formkeep/internal/config"
	"formkeep/internal/database"
	"formkeep/internal/database/migrations"
	"formkeep/internal/encryption"
	"formkeep/internal/fk"
	"formkeep/internal/metrics"
	"formkeep/internal/server"
	"formkeep/internal/storage"
	"formkeep/internal/transcode"
)

// App is the application layer between the CLI and the formkeep core.
// It constructs all dependencies from config, exposes high-level operations
// and records mutating operations in the database. The caller must call Close.
type App struct {
	cfg      *config.Config
	clock    fk.Clock
	idgen    fk.IDGenerator
	logger   fk.Logger
	store    *database.SQLiteStore
	storage  fk.Storage
	signer   *storage.Signer
	resolver *fk.PathResolver
	cache    *fk.URLCache
	exporter *fk.Exporter
	intake   *fk.Intake
	blobs    *blobs.Registry
	keys     *encryption.KeyPair
	registry *prometheus.Registry
	observer *metrics.Observer
	op       *Operation
	logFile  *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the command being run (e.g. "ExportTable") and
// parameters its arguments, as recorded in the operation history.
func NewApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a, err := newApp(ctx, cfg, &slogAdapter{l: slogger}, fk.RealClock{}, fk.UUIDGenerator{})
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	a.op = NewOperation(operation, parameters)
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger fk.Logger, clock fk.Clock, idgen fk.IDGenerator) (*App, error) {
	st, signer, err := storage.NewStorageFromConfig(ctx, cfg.Storage, clock)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, clock, idgen)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date (run 'formkeep db migrate'): %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewObserver(registry)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	cacheOpts := []fk.CacheOption{
		fk.WithCacheClock(clock),
		fk.WithCacheLogger(logger),
		fk.WithObserver(observer),
		fk.WithSafetyMargin(cfg.Cache.SafetyMargin()),
	}
	if cfg.Cache.Capacity > 0 {
		cacheOpts = append(cacheOpts, fk.WithCapacity(cfg.Cache.Capacity))
	}
	cache, err := fk.NewURLCache(st, cacheOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	resolver := fk.NewPathResolver(cfg.Storage.Bucket)
	exporter := fk.NewExporter(store, st, cache,
		fk.WithExportClock(clock),
		fk.WithExportLogger(logger),
		fk.WithExportResolver(resolver),
		fk.WithExportObserver(observer),
		fk.WithExportConfig(fk.ExportConfig{
			LinkTTL:         cfg.Export.LinkTTL(),
			MinLinkValidity: cfg.Export.MinLinkValidity(),
			Concurrency:     cfg.Export.Concurrency,
			GeneratedBy:     cfg.Export.GeneratedBy,
		}),
	)
	intake := fk.NewIntake(store, st, idgen, clock, logger, fk.IntakeConfig{
		AnonymizePaths: cfg.Intake.AnonymizePaths,
		CacheControl:   cfg.Intake.CacheControl,
	})

	return &App{
		cfg:      cfg,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
		store:    store,
		storage:  st,
		signer:   signer,
		resolver: resolver,
		cache:    cache,
		exporter: exporter,
		intake:   intake,
		blobs:    blobs.NewRegistry(serverRoot(cfg)),
		keys:     encryption.NewKeyPair(cfg.Encryption),
		registry: registry,
		observer: observer,
		op:       NewOperation("", ""),
	}, nil
}

// serverRoot returns the root URL of the HTTP server, derived from the
// storage base URL when it points at this server.
func serverRoot(cfg *config.Config) string {
	return strings.TrimSuffix(strings.TrimRight(cfg.Storage.PublicBaseURL, "/"), server.StoragePrefix)
}

// persistOperation records the operation in the database.
// This should only be called for commands that change or disclose data.
func (a *App) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil
	}
	dbOp, err := a.store.CreateOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// track persists the operation and marks it failed when err is non-nil.
func (a *App) track(ctx context.Context, run func() error) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	if err := run(); err != nil {
		a.op.Status = StatusError
		return err
	}
	return nil
}

// FormSpec describes a form to create.
type FormSpec struct {
	Name             string
	Description      string
	MaxFileCount     int
	MaxFileSizeMB    int
	AllowedFileTypes []string
	FilesRequired    bool
}

// CreateForm stores a new active form.
func (a *App) CreateForm(ctx context.Context, spec FormSpec) (*fk.Form, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("form name required")
	}
	form := &fk.Form{
		ID:               a.idgen.New(),
		Name:             spec.Name,
		Description:      spec.Description,
		Active:           true,
		MaxFileCount:     spec.MaxFileCount,
		MaxFileSizeMB:    spec.MaxFileSizeMB,
		AllowedFileTypes: spec.AllowedFileTypes,
		FilesRequired:    spec.FilesRequired,
		CreatedAt:        a.clock.Now(),
	}
	err := a.track(ctx, func() error { return a.store.CreateForm(ctx, form) })
	if err != nil {
		return nil, err
	}
	return form, nil
}

// AddField appends a field to a form.
func (a *App) AddField(ctx context.Context, field *fk.FormField) error {
	form, err := a.store.FindForm(ctx, field.FormID)
	if err != nil {
		return err
	}
	if form == nil {
		return fmt.Errorf("form not found: %s", field.FormID)
	}
	return a.track(ctx, func() error { return a.store.AddField(ctx, field) })
}

func (a *App) ListForms(ctx context.Context) ([]*fk.Form, error) {
	return a.store.ListForms(ctx)
}

func (a *App) ListFields(ctx context.Context, formID string) ([]*fk.FormField, error) {
	return a.store.ListFields(ctx, formID)
}

func (a *App) ListSubmissions(ctx context.Context, formID string) ([]*fk.Submission, error) {
	return a.store.ListSubmissions(ctx, formID)
}

// Submit records a submission whose files are read from local paths.
// Content types are sniffed from the file contents.
func (a *App) Submit(ctx context.Context, formID, email string, data map[string]string, filePaths []string) (*fk.Submission, error) {
	files := make([]fk.UploadFile, 0, len(filePaths))
	for _, p := range filePaths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		ct := fk.ContentTypeOf(p)
		if ct == "application/octet-stream" {
			ct = mimetype.Detect(content).String()
		}
		files = append(files, fk.UploadFile{Name: filepath.Base(p), ContentType: ct, Data: content})
	}

	var sub *fk.Submission
	err := a.track(ctx, func() error {
		var err error
		sub, err = a.intake.Submit(ctx, formID, email, data, files)
		return err
	})
	return sub, err
}

// ExportTable builds the tabular export of a form, sealed with the age
// public key when encrypt is set.
func (a *App) ExportTable(ctx context.Context, formID string, encrypt bool) (*fk.Artifact, error) {
	return a.export(ctx, encrypt, func() (*fk.Artifact, error) {
		return a.exporter.ExportTable(ctx, formID)
	})
}

// ExportArchive builds the archive of one submission, sealed with the age
// public key when encrypt is set.
func (a *App) ExportArchive(ctx context.Context, submissionID string, encrypt bool) (*fk.Artifact, error) {
	return a.export(ctx, encrypt, func() (*fk.Artifact, error) {
		return a.exporter.ExportArchive(ctx, submissionID)
	})
}

func (a *App) export(ctx context.Context, encrypt bool, build func() (*fk.Artifact, error)) (*fk.Artifact, error) {
	if encrypt && !a.keys.IsConfigured() {
		return nil, encryption.ErrNotConfigured
	}

	var artifact *fk.Artifact
	err := a.track(ctx, func() error {
		built, err := build()
		if err != nil {
			return err
		}
		if encrypt {
			sealed, err := a.keys.Seal(built)
			if err != nil {
				return fmt.Errorf("sealing export: %w", err)
			}
			sealed.Items, sealed.Skipped = built.Items, built.Skipped
			built = sealed
		}
		artifact = built
		return nil
	})
	return artifact, err
}

// SaveArtifact writes an artifact into dir (the configured export directory
// when empty) and returns its path. Existing files are replaced atomically.
func (a *App) SaveArtifact(artifact *fk.Artifact, dir string) (string, error) {
	if dir == "" {
		dir = a.cfg.Export.OutputDir
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(artifact.Name))
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(artifact.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing export: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("renaming export: %w", err)
	}
	return dest, nil
}

// OpenArtifact decrypts a sealed artifact from r into w.
func (a *App) OpenArtifact(passphrase string, r io.Reader, w io.Writer) error {
	opener, err := a.keys.Unlock(passphrase)
	if err != nil {
		return err
	}
	return opener.Open(r, w)
}

// InitKeys creates the age key pair used to seal exports.
func (a *App) InitKeys(ctx context.Context, passphrase string) error {
	return a.track(ctx, func() error { return a.keys.Init(passphrase) })
}

// Recipient returns the public key exports are sealed to.
func (a *App) Recipient() (string, error) {
	return a.keys.Recipient()
}

// Resolve returns the canonical path of a stored-object reference.
func (a *App) Resolve(reference string) (string, error) {
	return a.resolver.Resolve(reference)
}

// Sign returns an access URL for reference valid for at least ttl.
func (a *App) Sign(ctx context.Context, reference string, ttl time.Duration) (string, error) {
	p, err := a.resolver.Resolve(reference)
	if err != nil {
		return "", err
	}
	return a.cache.GetOrIssue(ctx, p, ttl)
}

// Preview runs a media load for reference with the gate open and waits for
// it to settle. When the media was converted, the converted bytes are
// returned as well.
func (a *App) Preview(ctx context.Context, reference, fileName string) (fk.LoaderSnapshot, []byte, error) {
	loader, err := fk.NewMediaLoader(a.loaderConfig())
	if err != nil {
		return fk.LoaderSnapshot{}, nil, err
	}
	defer func() {
		loader.Teardown()
		loader.Wait()
	}()

	loader.Mount(reference, fileName, true)
	loader.Wait()
	snap := loader.Snapshot()
	if snap.State != fk.StateReady {
		return snap, nil, snap.Err
	}

	var converted []byte
	if b, ok := a.blobs.Lookup(snap.URL); ok {
		converted = b.Data
	}
	return snap, converted, nil
}

func (a *App) loaderConfig() fk.LoaderConfig {
	image := transcode.NewImageTranscoder(a.cfg.Media.JPEGQuality)
	heif := transcode.NewCommandTranscoder(a.cfg.Media.FFmpegPath)
	return fk.LoaderConfig{
		Resolver:   a.resolver,
		Cache:      a.cache,
		Fetcher:    storage.NewHTTPFetcher(nil, 0),
		Transcoder: transcode.NewRouter(image, heif),
		TempURLs:   a.blobs,
		Logger:     a.logger,
		TTL:        a.cfg.Media.DisplayTTL(),
	}
}

// ValidateStorage checks that the storage backend is reachable.
func (a *App) ValidateStorage(ctx context.Context) error {
	return a.storage.ValidateSetup(ctx)
}

// Server builds the HTTP server over the app's components.
func (a *App) Server() (*server.Server, error) {
	return server.New(server.Options{
		Storage:         a.storage,
		Signer:          a.signer,
		Bucket:          a.resolver.Bucket(),
		Blobs:           a.blobs,
		Exporter:        a.exporter,
		Intake:          a.intake,
		Loader:          a.loaderConfig(),
		LoadImmediately: a.cfg.Media.LoadImmediately,
		MediaPoolSize:   a.cfg.Media.PoolSize,
		Gatherer:        a.registry,
		Logger:          a.logger,
	})
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, a.cfg.Server.Listen)
}

// GetHistory returns the most recent recorded operations.
func (a *App) GetHistory(ctx context.Context, limit int) ([]*database.Operation, error) {
	return a.store.ListOperations(ctx, limit)
}

// Close finalizes the operation record and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.store.FinishOperation(context.Background(), a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// MigrateDatabase brings the configured database to the latest schema and
// returns the resulting status.
func MigrateDatabase(cfg *config.Config) (migrations.Status, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, fk.RealClock{}, fk.UUIDGenerator{})
	if err != nil {
		return migrations.Status{}, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return migrations.Status{}, err
	}
	return store.MigrationStatus()
}

// DatabaseStatus reports the schema status of the configured database.
func DatabaseStatus(cfg *config.Config) (migrations.Status, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, fk.RealClock{}, fk.UUIDGenerator{})
	if err != nil {
		return migrations.Status{}, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()
	return store.MigrationStatus()
}
