package dedup

import (
	"context"
	"io"
	"strings"

	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
)

// NewPassthrough object store, keeping objects by their literal name under a container
// directory. Objects are written publicly readable. No access control is applied.
func NewPassthrough(store storage.Store) ObjectStore {
	return &passthrough{store: store}
}

type passthrough struct {
	store storage.Store
}

// literalKey is the key of a name under its container. Names with relative segments are
// rejected: a backend resolving them could reach another container.
func literalKey(container, name string) (string, error) {
	name = strings.TrimLeft(name, "/")
	if err := validName(name); err != nil {
		return "", err
	}
	if hasRelativeSegment(name) {
		return "", ErrInvalidName.WrapMessage("%q has a relative path segment", name)
	}
	return container + "/" + name, nil
}

func backendError(err error) error {
	if errors.Is(err, status.ErrNotExists) {
		return ErrNotFound
	}
	return ErrStorageBackend.Wrap(err)
}

func (p *passthrough) Get(ctx context.Context, container, name string) (io.ReadCloser, error) {
	key, err := literalKey(container, name)
	if err != nil {
		return nil, err
	}
	rdr, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, backendError(err)
	}
	return rdr, nil
}

func (p *passthrough) Has(ctx context.Context, container, name string) (bool, error) {
	key, err := literalKey(container, name)
	if err != nil {
		return false, err
	}
	has, err := p.store.Has(ctx, key)
	if err != nil {
		return false, ErrStorageBackend.Wrap(err)
	}
	return has, nil
}

func (p *passthrough) Metadata(ctx context.Context, container, name string) (Metadata, error) {
	key, err := literalKey(container, name)
	if err != nil {
		return Metadata{}, err
	}
	attrs, err := p.store.Stat(ctx, key)
	if err != nil {
		return Metadata{}, backendError(err)
	}
	return Metadata{
		Name:        name,
		Size:        attrs.Size,
		ETag:        attrs.ETag,
		ContentType: attrs.ContentType,
	}, nil
}

func (p *passthrough) Put(ctx context.Context, container, name string, r io.Reader, contentType string) (string, error) {
	key, err := literalKey(container, name)
	if err != nil {
		return "", err
	}
	etag, err := p.store.Put(ctx, key, r, storage.PutOptions{
		ContentType: contentType,
		PublicRead:  true,
	})
	if err != nil {
		return "", ErrStorageBackend.Wrap(err)
	}
	return etag, nil
}

func (p *passthrough) Delete(ctx context.Context, container, name string) error {
	key, err := literalKey(container, name)
	if err != nil {
		return err
	}
	has, err := p.store.Has(ctx, key)
	if err != nil {
		return ErrStorageBackend.Wrap(err)
	}
	if !has {
		return ErrNotFound
	}
	if err := p.store.Delete(ctx, key); err != nil {
		return backendError(err)
	}
	return nil
}

func (p *passthrough) List(ctx context.Context, container, prefix string) ([]string, error) {
	prefix = strings.TrimLeft(prefix, "/")
	if hasRelativeSegment(prefix) {
		return nil, ErrInvalidName.WrapMessage("%q has a relative path segment", prefix)
	}
	base := container + "/"
	keys, err := p.store.Keys(ctx, base+prefix)
	if err != nil {
		return nil, ErrStorageBackend.Wrap(err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, base))
	}
	return names, nil
}
