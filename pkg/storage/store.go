// Copyright © 2018 One Concern

package storage

import (
	"context"
	"io"
)

// Attrs describes a stored object
type Attrs struct {
	Size        int64
	ETag        string
	ContentType string
}

// PutOptions tunes how an object is written
type PutOptions struct {
	ContentType string

	// PublicRead marks the object as readable without credentials,
	// on backends that support access control.
	PublicRead bool
}

// Store implementations know how to write objects to a key/value model.
//
// Typically this is something file system-like. Examples are S3, local FS, NFS, ...
// Implementations of this interface are assumed to be fairly simple.
//
// Missing objects are reported with status.ErrNotExists.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Stat(context.Context, string) (Attrs, error)
	Put(context.Context, string, io.Reader, PutOptions) (string, error)
	Delete(context.Context, string) error
	Keys(context.Context, string) ([]string, error)
}

// Copy an object from one store to another, under the same key.
func Copy(ctx context.Context, src Store, dst Store, key string, opts PutOptions) (string, error) {
	reader, err := src.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	return dst.Put(ctx, key, reader, opts)
}
