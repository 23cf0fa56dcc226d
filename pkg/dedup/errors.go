package dedup

import "github.com/oneconcern/casproxy/pkg/errors"

var (
	// ErrAccessDenied is returned when the caller operates on a container other than its own
	ErrAccessDenied = errors.New("bucket name must match your access ID")

	// ErrReadOnly is returned for mutations while the store is in maintenance mode
	ErrReadOnly = errors.New("store is in read-only maintenance mode")

	// ErrNotFound is returned for unknown names
	ErrNotFound = errors.New("no such object")

	// ErrInvalidName is returned for empty names, names containing a NUL byte, and archive
	// names with "." or ".." segments
	ErrInvalidName = errors.New("invalid object name")

	// ErrUpload is returned when the uploaded content cannot be read or spooled
	ErrUpload = errors.New("upload failed")

	// ErrStorageBackend wraps failures of a physical backend or of the catalog
	ErrStorageBackend = errors.New("storage backend failure")

	// ErrNoBackupBackend is returned by a backup sweep when no backup backend is configured
	ErrNoBackupBackend = errors.New("no backup backend configured")
)
