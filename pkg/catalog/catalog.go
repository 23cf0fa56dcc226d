// Copyright © 2018 One Concern

// Package catalog is the durable mapping between names and content hashes.
//
// It records, per tenant, which hash each name points to, how many names
// reference each hash, the size of stored objects and which objects still
// need to be backed up. Every mutation of these tables happens in a single
// transaction, so reference counts never drift from the mappings.
package catalog

import (
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/oneconcern/casproxy/pkg/errors"
	"go.uber.org/zap"
)

const (
	retryInterval = 10 * time.Millisecond
	maxRetries    = 100
)

var (
	// ErrNotFound is returned when a name or a hash is not in the catalog
	ErrNotFound = errors.New("not found in catalog")

	// ErrInvalidName is returned for empty names or names containing a NUL byte
	ErrInvalidName = errors.New("invalid catalog name")

	// ErrCatalog wraps failures of the underlying database
	ErrCatalog = errors.New("catalog failure")
)

// Object describes a stored hash
type Object struct {
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Created     time.Time `json:"created"`
}

// Catalog of name mappings, backed by badger
type Catalog struct {
	db    *badger.DB
	l     *zap.Logger
	close sync.Once
}

// Open a catalog persisted in dir
func Open(dir string, logger *zap.Logger) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, ErrCatalog.Wrap(err)
	}
	return open(badger.DefaultOptions(dir), logger)
}

// OpenInMemory opens a catalog which is not persisted
func OpenInMemory(logger *zap.Logger) (*Catalog, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := badger.Open(opts.WithLogger(newBadgerLogger(logger)))
	if err != nil {
		return nil, ErrCatalog.Wrap(err)
	}
	return &Catalog{db: db, l: logger}, nil
}

// Close the catalog. Subsequent calls are no-ops.
func (c *Catalog) Close() error {
	var err error
	c.close.Do(func() {
		err = c.db.Close()
	})
	return err
}

// Lookup the hash a name points to
func (c *Catalog) Lookup(tenant, name string) (string, error) {
	if err := validate(tenant, name); err != nil {
		return "", err
	}
	var hash string
	err := c.db.View(func(txn *badger.Txn) error {
		var e error
		hash, e = getString(txn, mapKey(tenant, name))
		return e
	})
	return hash, err
}

// Commit maps a name to a hash.
//
// A non-nil object records a newly stored hash: its description is saved and the hash is
// marked for backup, unless the catalog already knows about it.
//
// When the name previously pointed to a different hash, that reference is released and the
// previous hash is returned: it is up to the caller to Collect it.
func (c *Catalog) Commit(tenant, name, hash string, obj *Object) (string, error) {
	if err := validate(tenant, name, hash); err != nil {
		return "", err
	}

	var previous string
	err := c.update(func(txn *badger.Txn) error {
		previous = ""
		prev, err := getString(txn, mapKey(tenant, name))
		switch {
		case err == nil && prev != hash:
			previous = prev
			if err := txn.Delete(refKey(prev, tenant, name)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		if err := txn.Set(mapKey(tenant, name), []byte(hash)); err != nil {
			return err
		}
		if err := txn.Set(refKey(hash, tenant, name), nil); err != nil {
			return err
		}
		if obj == nil {
			return nil
		}

		_, err = txn.Get(objKey(hash))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		data, err := jsoniter.Marshal(obj)
		if err != nil {
			return err
		}
		if err := txn.Set(objKey(hash), data); err != nil {
			return err
		}
		return txn.Set(bakKey(hash), nil)
	})
	if err != nil {
		return "", err
	}

	c.l.Debug("committed name",
		zap.String("tenant", tenant),
		zap.String("name", name),
		zap.String("hash", hash),
		zap.String("previous", previous),
	)
	return previous, nil
}

// Release removes the mapping of a name.
//
// It returns the hash the name pointed to, and whether this hash is now unreferenced. In the
// latter case, the object description and backup marker are removed in the same transaction:
// the physical object is expected to be gone already.
func (c *Catalog) Release(tenant, name string) (string, bool, error) {
	if err := validate(tenant, name); err != nil {
		return "", false, err
	}

	var (
		hash     string
		orphaned bool
	)
	err := c.update(func(txn *badger.Txn) error {
		var err error
		hash, err = getString(txn, mapKey(tenant, name))
		if err != nil {
			return err
		}
		if err := txn.Delete(mapKey(tenant, name)); err != nil {
			return err
		}
		if err := txn.Delete(refKey(hash, tenant, name)); err != nil {
			return err
		}
		orphaned, err = collect(txn, hash)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return hash, orphaned, nil
}

// Collect forgets about a hash if no name references it anymore, and tells if it did
func (c *Catalog) Collect(hash string) (bool, error) {
	if err := validate(hash); err != nil {
		return false, err
	}
	var orphaned bool
	err := c.update(func(txn *badger.Txn) error {
		var err error
		orphaned, err = collect(txn, hash)
		return err
	})
	return orphaned, err
}

// Unreferenced lists the described hashes no name points to: objects whose removal was
// interrupted before Collect.
func (c *Catalog) Unreferenced() ([]string, error) {
	var hashes []string
	err := c.db.View(func(txn *badger.Txn) error {
		for _, hash := range scanKeys(txn, objPref, len(objPref)) {
			if refCount(txn, hash) == 0 {
				hashes = append(hashes, hash)
			}
		}
		return nil
	})
	return hashes, err
}

// RefCount is the number of names pointing to a hash
func (c *Catalog) RefCount(hash string) (int, error) {
	if err := validate(hash); err != nil {
		return 0, err
	}
	var count int
	err := c.db.View(func(txn *badger.Txn) error {
		count = refCount(txn, hash)
		return nil
	})
	return count, err
}

// Object description for a hash
func (c *Catalog) Object(hash string) (Object, error) {
	if err := validate(hash); err != nil {
		return Object{}, err
	}
	var obj Object
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objKey(hash))
		if err != nil {
			return mapError(err)
		}
		return item.Value(func(data []byte) error {
			return jsoniter.Unmarshal(data, &obj)
		})
	})
	return obj, err
}

// Names of a tenant starting with prefix, in lexical order
func (c *Catalog) Names(tenant, prefix string) ([]string, error) {
	if err := validate(tenant); err != nil {
		return nil, err
	}
	base := mapKey(tenant, "")
	var names []string
	err := c.db.View(func(txn *badger.Txn) error {
		names = scanKeys(txn, append(base, prefix...), len(base))
		return nil
	})
	return names, err
}

// PendingBackups lists the hashes not backed up yet
func (c *Catalog) PendingBackups() ([]string, error) {
	var hashes []string
	err := c.db.View(func(txn *badger.Txn) error {
		hashes = scanKeys(txn, bakPref, len(bakPref))
		return nil
	})
	return hashes, err
}

// ClearPendingBackup removes the backup marker of a hash
func (c *Catalog) ClearPendingBackup(hash string) error {
	if err := validate(hash); err != nil {
		return err
	}
	return c.update(func(txn *badger.Txn) error {
		return txn.Delete(bakKey(hash))
	})
}

// update runs fn in a read-write transaction, retried on conflicts
func (c *Catalog) update(fn func(*badger.Txn) error) error {
	err := backoff.Retry(func() error {
		err := c.db.Update(fn)
		if err == nil || errors.Is(err, badger.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	},
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidName):
		return err
	default:
		return ErrCatalog.Wrap(err)
	}
}

func collect(txn *badger.Txn, hash string) (bool, error) {
	if refCount(txn, hash) > 0 {
		return false, nil
	}
	if err := txn.Delete(objKey(hash)); err != nil {
		return false, err
	}
	if err := txn.Delete(bakKey(hash)); err != nil {
		return false, err
	}
	return true, nil
}

func refCount(txn *badger.Txn, hash string) int {
	prefix := refPrefix(hash)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
	defer it.Close()

	var count int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
	}
	return count
}

// scanKeys returns the keys with some prefix, with their first skip bytes removed
func scanKeys(txn *badger.Txn, prefix []byte, skip int) []string {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
	defer it.Close()

	var keys []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		keys = append(keys, string(k[skip:]))
	}
	return keys
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", mapError(err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrEmptyKey):
		return ErrInvalidName
	default:
		return err
	}
}
