// Package storage provides the object storage backends: in-memory, local
// filesystem and S3-compatible services.
package storage

import "errors"

var (
	// ErrObjectNotFound is returned when a download names a missing object.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists is returned when an upload without overwrite targets
	// an existing object.
	ErrObjectExists = errors.New("object already exists")
)
