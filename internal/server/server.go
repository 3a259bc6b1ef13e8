// Package server exposes local storage objects, converted media, exports
// and metrics over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"formkeep/internal/blobs"
	"formkeep/internal/fk"
	"formkeep/internal/storage"
)

// StoragePrefix is where object URLs are rooted on this server.
const StoragePrefix = "/storage/v1"

// Options holds the server's collaborators. Signer may be nil when the
// storage backend signs its own URLs; Gatherer may be nil to disable /metrics.
type Options struct {
	Storage  fk.Storage
	Signer   *storage.Signer
	Bucket   string
	Blobs    *blobs.Registry
	Exporter *fk.Exporter
	Intake   *fk.Intake
	Loader   fk.LoaderConfig
	// LoadImmediately opens the load gate of newly mounted media.
	LoadImmediately bool
	// MediaPoolSize bounds the number of mounted references.
	// Defaults to DefaultMediaPoolSize.
	MediaPoolSize int
	Gatherer        prometheus.Gatherer
	Logger          fk.Logger
}

// Server routes HTTP requests to the formkeep components.
type Server struct {
	storage  fk.Storage
	signer   *storage.Signer
	bucket   string
	blobs    *blobs.Registry
	exporter *fk.Exporter
	intake   *fk.Intake
	media    *mediaPool
	logger   fk.Logger
	router   *mux.Router
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = fk.NewNopLogger()
	}
	if opts.Bucket == "" {
		opts.Bucket = fk.DefaultBucket
	}
	media, err := newMediaPool(opts.Loader, opts.LoadImmediately, opts.MediaPoolSize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		storage:  opts.Storage,
		signer:   opts.Signer,
		bucket:   opts.Bucket,
		blobs:    opts.Blobs,
		exporter: opts.Exporter,
		intake:   opts.Intake,
		media:    media,
		logger:   opts.Logger,
	}

	r := mux.NewRouter()
	objects := r.PathPrefix(StoragePrefix + "/object").Subrouter()
	objects.HandleFunc("/public/{bucket}/{path:.+}", s.handlePublicObject).Methods("GET", "HEAD")
	objects.HandleFunc("/sign/{bucket}/{path:.+}", s.handleSignedObject).Methods("GET", "HEAD")
	objects.HandleFunc("/authenticated/{bucket}/{path:.+}", s.handleAuthenticatedObject).Methods("GET", "HEAD")

	r.HandleFunc("/blob/{id}", s.handleBlob).Methods("GET", "HEAD")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/media", s.handleMediaGet).Methods("GET")
	api.HandleFunc("/media", s.handleMediaDelete).Methods("DELETE")
	api.HandleFunc("/media/gate", s.handleMediaGate).Methods("POST")
	api.HandleFunc("/media/render-failed", s.handleMediaRenderFailed).Methods("POST")
	api.HandleFunc("/forms/{formID}/export.csv", s.handleTableExport).Methods("GET")
	api.HandleFunc("/forms/{formID}/submissions", s.handleSubmit).Methods("POST")
	api.HandleFunc("/submissions/{submissionID}/archive.zip", s.handleArchiveExport).Methods("GET")

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and tears down all mounted media.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.media.closeAll()
	if err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) handlePublicObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.serveObject(w, r, vars["bucket"], vars["path"])
}

func (s *Server) handleSignedObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if s.signer == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.signer.Verify(r.URL.Query().Get("token"), vars["path"]); err != nil {
		s.logger.Debug("rejected signed object request", "path", vars["path"], "error", err)
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	s.serveObject(w, r, vars["bucket"], vars["path"])
}

// handleAuthenticatedObject rejects every request: there are no sessions
// to authenticate against.
func (s *Server) handleAuthenticatedObject(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, bucket, path string) {
	if bucket != s.bucket {
		http.NotFound(w, r)
		return
	}

	var buf bytes.Buffer
	if err := s.storage.Download(r.Context(), path, &buf); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("object download failed", "path", path, "error", err)
		http.Error(w, "download failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", fk.ContentTypeOf(path))
	http.ServeContent(w, r, fk.FileNameOf(path), time.Time{}, bytes.NewReader(buf.Bytes()))
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		http.NotFound(w, r)
		return
	}
	b, ok := s.blobs.Open(mux.Vars(r)["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", b.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(b.Data))
}

func (s *Server) handleTableExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.NotFound(w, r)
		return
	}
	a, err := s.exporter.ExportTable(r.Context(), mux.Vars(r)["formID"])
	s.writeArtifact(w, a, err)
}

func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.NotFound(w, r)
		return
	}
	a, err := s.exporter.ExportArchive(r.Context(), mux.Vars(r)["submissionID"])
	s.writeArtifact(w, a, err)
}

func (s *Server) writeArtifact(w http.ResponseWriter, a *fk.Artifact, err error) {
	if err != nil {
		s.logger.Error("export failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, fk.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	w.Header().Set("X-Export-Items", fmt.Sprint(a.Items))
	w.Header().Set("X-Export-Skipped", fmt.Sprint(len(a.Skipped)))
	w.Write(a.Data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
