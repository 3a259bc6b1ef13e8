package fk

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution is returned when a stored-object reference matches no known shape.
	ErrResolution = errors.New("reference could not be resolved")

	// ErrIssuance is returned when the storage service fails to produce an access URL.
	ErrIssuance = errors.New("access url issuance failed")

	// ErrTranscode is returned when local media conversion fails.
	ErrTranscode = errors.New("transcode failed")

	// ErrDownload is returned when fetching object bytes fails.
	ErrDownload = errors.New("download failed")

	// ErrTotal is returned when the form, field or submission dataset cannot
	// be read. It aborts a whole export.
	ErrTotal = errors.New("export dataset unavailable")

	// ErrNotFound marks an ErrTotal caused by a form or submission that does
	// not exist, as opposed to a store that could not be read.
	ErrNotFound = errors.New("not found")
)

// ResolutionError carries the reference that failed to resolve.
type ResolutionError struct {
	Reference string
	Reason    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %q: %s", e.Reference, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return ErrResolution }
