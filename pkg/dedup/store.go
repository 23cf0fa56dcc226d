package dedup

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/oneconcern/casproxy/pkg/catalog"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/metrics"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
	"go.uber.org/zap"
)

// tenantStore is the view of the pool for one identity
type tenantStore struct {
	pool     *Pool
	identity string
	l        *zap.Logger
}

func (s *tenantStore) checkContainer(container string) error {
	if container != s.identity {
		return ErrAccessDenied.WrapMessage("container %q, identity %q", container, s.identity)
	}
	return nil
}

func (s *tenantStore) checkWritable() error {
	if s.pool.app.ReadOnly() {
		return ErrReadOnly
	}
	return nil
}

// resolve the hash of a name, after any in-flight write to it has completed
func (s *tenantStore) resolve(ctx context.Context, container, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := s.pool.waitName(ctx, container, name); err != nil {
		return "", err
	}
	hash, err := s.pool.app.Catalog.Lookup(container, name)
	switch {
	case err == nil:
		return hash, nil
	case errors.Is(err, catalog.ErrNotFound):
		return "", ErrNotFound
	default:
		return "", ErrStorageBackend.Wrap(err)
	}
}

func (s *tenantStore) Get(ctx context.Context, container, name string) (io.ReadCloser, error) {
	if err := s.checkContainer(container); err != nil {
		return nil, err
	}
	if IsDump(name) {
		return s.pool.dumps.Get(ctx, container, name)
	}

	hash, err := s.resolve(ctx, container, name)
	if err != nil {
		return nil, err
	}
	rdr, err := s.pool.app.Blobs.Get(ctx, HashPath(hash))
	if err != nil {
		return nil, backendError(err)
	}
	return rdr, nil
}

func (s *tenantStore) Has(ctx context.Context, container, name string) (bool, error) {
	if err := s.checkContainer(container); err != nil {
		return false, err
	}
	if IsDump(name) {
		return s.pool.dumps.Has(ctx, container, name)
	}

	hash, err := s.resolve(ctx, container, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	has, err := s.pool.app.Blobs.Has(ctx, HashPath(hash))
	if err != nil {
		return false, ErrStorageBackend.Wrap(err)
	}
	return has, nil
}

func (s *tenantStore) Metadata(ctx context.Context, container, name string) (Metadata, error) {
	if err := s.checkContainer(container); err != nil {
		return Metadata{}, err
	}
	if IsDump(name) {
		return s.pool.dumps.Metadata(ctx, container, name)
	}

	hash, err := s.resolve(ctx, container, name)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{Name: name, Hash: hash}
	obj, err := s.pool.app.Catalog.Object(hash)
	if err == nil && obj.ETag != "" {
		meta.Size = obj.Size
		meta.ETag = obj.ETag
		meta.ContentType = obj.ContentType
		meta.Created = obj.Created
		return meta, nil
	}

	// objects stored before the catalog recorded their description
	attrs, err := s.pool.app.Blobs.Stat(ctx, HashPath(hash))
	if err != nil {
		return Metadata{}, backendError(err)
	}
	meta.Size = attrs.Size
	meta.ETag = attrs.ETag
	meta.ContentType = attrs.ContentType
	return meta, nil
}

// Put canonicalizes and stores an upload, unless the same canonical content is already
// stored, in which case only the name mapping is updated.
//
// The returned etag is the one of the physical object, whoever uploaded it first.
func (s *tenantStore) Put(ctx context.Context, container, name string, r io.Reader, contentType string) (string, error) {
	if err := s.checkWritable(); err != nil {
		return "", err
	}
	if err := s.checkContainer(container); err != nil {
		return "", err
	}
	if IsDump(name) {
		return s.putDump(ctx, container, name, r, contentType)
	}
	if err := validName(name); err != nil {
		return "", err
	}

	start := time.Now()
	defer metrics.Get().Store.UploadLatency.Since(start)

	release, err := s.pool.lockName(ctx, container, name)
	if err != nil {
		return "", err
	}
	defer release()

	buf := s.pool.app.Scratch.Buffer()
	defer func() {
		if err := buf.Close(); err != nil {
			s.l.Warn("could not release scratch space", zap.String("name", name), zap.Error(err))
		}
	}()

	hasher := newHasher()
	report, err := s.pool.reprocessor.Reprocess(r, io.MultiWriter(buf, hasher))
	if err != nil {
		return "", ErrUpload.Wrap(err)
	}
	hash := hexSum(hasher)
	lg := s.l.With(zap.String("name", name), zap.String("hash", hash))
	if report.Changed() {
		lg.Debug("upload canonicalized",
			zap.Int("droppedChunks", report.DroppedChunks),
			zap.Int("droppedEntries", report.DroppedEntries),
		)
	}

	etag, previous, err := s.store(ctx, container, name, hash, buf, contentType, lg)
	if err != nil {
		return "", err
	}

	// the upload has succeeded: a failed collection is left to the next sweep
	if previous != "" {
		collected, err := s.pool.collect(ctx, previous)
		switch {
		case err != nil:
			lg.Warn("could not collect previous object", zap.String("previous", previous), zap.Error(err))
		case collected:
			lg.Info("removed unreferenced previous object", zap.String("previous", previous))
		}
	}
	return etag, nil
}

// store writes the spooled content at its hash path if needed, then maps the name to it.
// The hash lock serializes this with removals of the same object.
func (s *tenantStore) store(ctx context.Context, container, name, hash string, buf spool, contentType string, lg *zap.Logger) (etag, previous string, err error) {
	releaseHash, err := s.pool.lockHash(ctx, hash)
	if err != nil {
		return "", "", err
	}
	defer releaseHash()

	m := metrics.Get()
	hashPath := HashPath(hash)
	blobs := s.pool.app.Blobs
	cat := s.pool.app.Catalog

	exists, err := blobs.Has(ctx, hashPath)
	if err != nil {
		return "", "", ErrStorageBackend.Wrap(err)
	}

	if exists {
		var obj *catalog.Object
		known, err := cat.Object(hash)
		switch {
		case err == nil:
			etag = known.ETag
		case errors.Is(err, catalog.ErrNotFound):
			// an object the catalog does not describe yet
			attrs, err := blobs.Stat(ctx, hashPath)
			if err != nil {
				return "", "", backendError(err)
			}
			etag = attrs.ETag
			obj = &catalog.Object{Size: attrs.Size, ContentType: attrs.ContentType, ETag: attrs.ETag, Created: time.Now().UTC()}
		default:
			return "", "", ErrStorageBackend.Wrap(err)
		}

		if previous, err = cat.Commit(container, name, hash, obj); err != nil {
			return "", "", ErrStorageBackend.Wrap(err)
		}
		m.Store.Uploads.Inc("hit")
		m.Store.DedupBytes.Add64(buf.Size())
		lg.Debug("deduplicated upload", zap.String("etag", etag))
		return etag, previous, nil
	}

	content, err := buf.Reader()
	if err != nil {
		return "", "", ErrUpload.Wrap(err)
	}
	etag, err = blobs.Put(ctx, hashPath, content, storage.PutOptions{ContentType: contentType, PublicRead: true})
	if err != nil {
		return "", "", ErrStorageBackend.Wrap(err)
	}

	obj := &catalog.Object{Size: buf.Size(), ContentType: contentType, ETag: etag, Created: time.Now().UTC()}
	if previous, err = cat.Commit(container, name, hash, obj); err != nil {
		// nothing references the new object
		if derr := blobs.Delete(ctx, hashPath); derr != nil {
			lg.Warn("could not remove unreferenced object", zap.Error(derr))
		}
		return "", "", ErrStorageBackend.Wrap(err)
	}

	m.Store.Uploads.Inc("miss")
	m.Store.StoredBytes.Add64(buf.Size())
	lg.Info("stored new object", zap.Int64("size", buf.Size()), zap.String("etag", etag))
	return etag, previous, nil
}

// Delete a name. The physical object goes away with the last name referencing it.
func (s *tenantStore) Delete(ctx context.Context, container, name string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.checkContainer(container); err != nil {
		return err
	}
	if IsDump(name) {
		return s.deleteDump(ctx, container, name)
	}
	if err := validName(name); err != nil {
		return err
	}

	release, err := s.pool.lockName(ctx, container, name)
	if err != nil {
		return err
	}
	defer release()

	cat := s.pool.app.Catalog
	hash, err := cat.Lookup(container, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return ErrStorageBackend.Wrap(err)
	}

	releaseHash, err := s.pool.lockHash(ctx, hash)
	if err != nil {
		return err
	}
	defer releaseHash()

	// no reference can be added under the hash lock. One removed meanwhile by an overwrite
	// is collected by that overwrite once this lock is released.
	refs, err := cat.RefCount(hash)
	if err != nil {
		return ErrStorageBackend.Wrap(err)
	}
	last := refs <= 1

	// the physical object goes first: on failure the name still maps to it and the delete
	// can be retried
	if last {
		if err := s.pool.app.Blobs.Delete(ctx, HashPath(hash)); err != nil && !errors.Is(err, status.ErrNotExists) {
			return ErrStorageBackend.Wrap(err)
		}
	}

	_, _, err = cat.Release(container, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return ErrStorageBackend.Wrap(err)
	}
	metrics.Get().Store.Deletes.Inc()

	if last {
		metrics.Get().Store.Collected.Inc()
		s.l.Info("removed unreferenced object", zap.String("name", name), zap.String("hash", hash))
	}
	return nil
}

// putDump stores an archive as it is. Writes to the same archive are serialized.
func (s *tenantStore) putDump(ctx context.Context, container, name string, r io.Reader, contentType string) (string, error) {
	release, err := s.pool.lockName(ctx, container, strings.TrimLeft(name, "/"))
	if err != nil {
		return "", err
	}
	defer release()

	etag, err := s.pool.dumps.Put(ctx, container, name, r, contentType)
	if err == nil {
		metrics.Get().Store.Uploads.Inc("archive")
	}
	return etag, err
}

// deleteDump removes an archive, under the same lock as writes to it
func (s *tenantStore) deleteDump(ctx context.Context, container, name string) error {
	release, err := s.pool.lockName(ctx, container, strings.TrimLeft(name, "/"))
	if err != nil {
		return err
	}
	defer release()

	if err := s.pool.dumps.Delete(ctx, container, name); err != nil {
		return err
	}
	metrics.Get().Store.Deletes.Inc()
	return nil
}

// List the names of a container starting with prefix, archives included
func (s *tenantStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	if err := s.checkContainer(container); err != nil {
		return nil, err
	}
	if IsDump(prefix) {
		return s.pool.dumps.List(ctx, container, prefix)
	}

	names, err := s.pool.app.Catalog.Names(container, prefix)
	if err != nil {
		return nil, ErrStorageBackend.Wrap(err)
	}

	// a prefix such as "backups/" also covers archives
	if strings.HasPrefix(dumpsRoot, strings.TrimLeft(prefix, "/")) {
		dumps, err := s.pool.dumps.List(ctx, container, dumpsRoot)
		if err != nil {
			return nil, err
		}
		names = append(names, dumps...)
		sort.Strings(names)
	}
	return names, nil
}

// collect removes an object if nothing references it anymore, and tells if it did.
//
// The physical object is removed before the catalog forgets about it, so that an object
// which could not be removed is still listed by Catalog.Unreferenced for a later attempt.
func (p *Pool) collect(ctx context.Context, hash string) (bool, error) {
	release, err := p.lockHash(ctx, hash)
	if err != nil {
		return false, err
	}
	defer release()

	refs, err := p.app.Catalog.RefCount(hash)
	if err != nil {
		return false, ErrStorageBackend.Wrap(err)
	}
	if refs > 0 {
		return false, nil
	}
	if err := p.app.Blobs.Delete(ctx, HashPath(hash)); err != nil && !errors.Is(err, status.ErrNotExists) {
		return false, ErrStorageBackend.Wrap(err)
	}
	if _, err := p.app.Catalog.Collect(hash); err != nil {
		return false, ErrStorageBackend.Wrap(err)
	}
	metrics.Get().Store.Collected.Inc()
	return true, nil
}

// spool is the scratch space holding an upload
type spool interface {
	Size() int64
	Reader() (io.Reader, error)
}
