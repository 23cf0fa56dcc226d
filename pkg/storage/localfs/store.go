// Copyright © 2018 One Concern

package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

/* puts are atomic: files are written to a staging area within the afero.Fs itself,
 * then Rename()d into place. Readers never observe a partially written object.
 */
const (
	nestedPutStageName = ".put-stage"
)

var _ storage.Store = &localFS{}

// New creates a new local file system backed storage model.
//
// A nil fs defaults to the "objects" directory under the current working directory.
func New(fs afero.Fs) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), "objects")
	}
	if err := fs.MkdirAll(nestedPutStageName, 0700); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory for %q: %v", nestedPutStageName, err)
	}
	return &localFS{
		fs: fs,
	}, nil
}

// NewAt creates a new local file system store rooted at dir, creating it if needed.
func NewAt(dir string) (storage.Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ensuring store directory %q: %v", dir, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

type localFS struct {
	fs afero.Fs
}

func normalize(key string) (string, error) {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if key == "" {
		return "", status.ErrInvalidKey.WrapMessage("empty key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", status.ErrInvalidKey.WrapMessage("key %q escapes the store", key)
		}
	}
	if key == nestedPutStageName || strings.HasPrefix(key, nestedPutStageName+"/") {
		return "", status.ErrInvalidKey.WrapMessage("key %q conflicts with put staging area name %q", key, nestedPutStageName)
	}
	return filepath.FromSlash(key), nil
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	k, err := normalize(key)
	if err != nil {
		return false, err
	}
	fi, err := l.fs.Stat(k)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := normalize(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(k)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotExists.Wrap(err)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, status.ErrNotExists.WrapMessage("%q is a directory", key)
	}
	return f, nil
}

// Stat reports the size of an object and its etag, the hex MD5 of its content.
func (l *localFS) Stat(ctx context.Context, key string) (storage.Attrs, error) {
	rdr, err := l.Get(ctx, key)
	if err != nil {
		return storage.Attrs{}, err
	}
	defer rdr.Close()

	h := md5.New()
	n, err := io.Copy(h, rdr)
	if err != nil {
		return storage.Attrs{}, fmt.Errorf("read record for %q: %v", key, err)
	}
	return storage.Attrs{
		Size: n,
		ETag: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Put writes an object. Access control options are not supported by this backend and are ignored.
func (l *localFS) Put(ctx context.Context, key string, source io.Reader, _ storage.PutOptions) (etag string, err error) {
	k, err := normalize(key)
	if err != nil {
		return "", err
	}

	staged, err := afero.TempFile(l.fs, nestedPutStageName, "put-")
	if err != nil {
		return "", fmt.Errorf("create record for %q: %v", key, err)
	}
	stagedName := staged.Name()
	defer func() {
		if err != nil {
			_ = l.fs.Remove(stagedName)
		}
	}()

	h := md5.New()
	_, err = io.Copy(io.MultiWriter(staged, h), source)
	err = multierr.Append(err, staged.Close())
	if err != nil {
		return "", fmt.Errorf("write record for %q: %v", key, err)
	}

	/* Rename() doesn't create directories automatically */
	if dir := filepath.Dir(k); dir != "" && dir != "." {
		if err = l.fs.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("ensuring directories for %q: %v", key, err)
		}
	}
	if err = l.fs.Rename(stagedName, k); err != nil {
		return "", fmt.Errorf("commit record for %q: %v", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	k, err := normalize(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(k); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %v", key, err)
	}
	return nil
}

// Keys lists all keys starting with prefix, in lexical order.
func (l *localFS) Keys(ctx context.Context, prefix string) ([]string, error) {
	const root = "."
	prefix = strings.TrimLeft(prefix, "/")
	var res []string
	e := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		key := strings.TrimLeft(filepath.ToSlash(path), "/")
		if info.IsDir() {
			if key == nestedPutStageName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			res = append(res, key)
		}
		return nil
	})
	if e != nil {
		return nil, e
	}
	sort.Strings(res)
	return res, nil
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}
