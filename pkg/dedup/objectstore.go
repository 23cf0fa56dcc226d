package dedup

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the set of operations exposed to callers, on objects identified by a
// container and a name.
type ObjectStore interface {
	Get(ctx context.Context, container, name string) (io.ReadCloser, error)
	Has(ctx context.Context, container, name string) (bool, error)
	Metadata(ctx context.Context, container, name string) (Metadata, error)
	Put(ctx context.Context, container, name string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, container, name string) error
	List(ctx context.Context, container, prefix string) ([]string, error)
}

// Metadata about a stored object
type Metadata struct {
	Name        string
	Size        int64
	ETag        string
	ContentType string
	Created     time.Time // zero when unknown

	// Hash of the canonical content. Empty for archives, which are not deduplicated.
	Hash string
}
