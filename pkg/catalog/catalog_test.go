package catalog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	hashA = "aaaa0000"
	hashB = "bbbb1111"
)

func testCatalog(t *testing.T) *Catalog {
	c, err := OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func object(size int64) *Object {
	return &Object{Size: size, ContentType: "image/png", ETag: "etag", Created: time.Now().UTC().Truncate(time.Second)}
}

func TestLookup(t *testing.T) {
	c := testCatalog(t)

	_, err := c.Lookup("tenant", "name")
	assert.ErrorIs(t, err, ErrNotFound)

	previous, err := c.Commit("tenant", "name", hashA, object(10))
	require.NoError(t, err)
	assert.Empty(t, previous)

	hash, err := c.Lookup("tenant", "name")
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)

	_, err = c.Lookup("other", "name")
	assert.ErrorIs(t, err, ErrNotFound, "mappings are scoped by tenant")
}

func TestInvalidNames(t *testing.T) {
	c := testCatalog(t)

	_, err := c.Lookup("", "name")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = c.Lookup("ten\x00ant", "name")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = c.Commit("tenant", "na\x00me", hashA, nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = c.Commit("tenant", "name", "", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = c.RefCount("")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestObject(t *testing.T) {
	c := testCatalog(t)

	_, err := c.Object(hashA)
	assert.ErrorIs(t, err, ErrNotFound)

	expected := object(42)
	_, err = c.Commit("tenant", "first", hashA, expected)
	require.NoError(t, err)

	obj, err := c.Object(hashA)
	require.NoError(t, err)
	assert.Equal(t, *expected, obj)

	// an existing description is not replaced
	_, err = c.Commit("tenant", "second", hashA, object(1))
	require.NoError(t, err)
	obj, err = c.Object(hashA)
	require.NoError(t, err)
	assert.Equal(t, int64(42), obj.Size)
}

func TestRefCount(t *testing.T) {
	c := testCatalog(t)

	count, err := c.RefCount(hashA)
	require.NoError(t, err)
	assert.Zero(t, count)

	for _, name := range []string{"x", "y", "z"} {
		_, err := c.Commit("tenant", name, hashA, object(1))
		require.NoError(t, err)
	}
	_, err = c.Commit("other", "x", hashA, nil)
	require.NoError(t, err)
	// committing the same mapping twice does not count twice
	_, err = c.Commit("tenant", "x", hashA, nil)
	require.NoError(t, err)

	count, err = c.RefCount(hashA)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// a hash sharing a prefix with another does not get its references
	count, err = c.RefCount(hashA[:4])
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRelease(t *testing.T) {
	c := testCatalog(t)

	_, _, err := c.Release("tenant", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Commit("tenant", "x", hashA, object(1))
	require.NoError(t, err)
	_, err = c.Commit("tenant", "y", hashA, nil)
	require.NoError(t, err)

	hash, orphaned, err := c.Release("tenant", "x")
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)
	assert.False(t, orphaned)

	_, err = c.Object(hashA)
	require.NoError(t, err, "the object is still referenced")

	hash, orphaned, err = c.Release("tenant", "y")
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)
	assert.True(t, orphaned)

	_, err = c.Object(hashA)
	assert.ErrorIs(t, err, ErrNotFound)
	pending, err := c.PendingBackups()
	require.NoError(t, err)
	assert.Empty(t, pending, "an orphaned hash is not backed up")

	_, err = c.Lookup("tenant", "y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverwrite(t *testing.T) {
	c := testCatalog(t)

	_, err := c.Commit("tenant", "x", hashA, object(1))
	require.NoError(t, err)

	previous, err := c.Commit("tenant", "x", hashA, nil)
	require.NoError(t, err)
	assert.Empty(t, previous, "same content")

	previous, err = c.Commit("tenant", "x", hashB, object(2))
	require.NoError(t, err)
	assert.Equal(t, hashA, previous)

	count, err := c.RefCount(hashA)
	require.NoError(t, err)
	assert.Zero(t, count)

	unreferenced, err := c.Unreferenced()
	require.NoError(t, err)
	assert.Equal(t, []string{hashA}, unreferenced)

	orphaned, err := c.Collect(hashA)
	require.NoError(t, err)
	assert.True(t, orphaned)
	_, err = c.Object(hashA)
	assert.ErrorIs(t, err, ErrNotFound)

	unreferenced, err = c.Unreferenced()
	require.NoError(t, err)
	assert.Empty(t, unreferenced)

	orphaned, err = c.Collect(hashB)
	require.NoError(t, err)
	assert.False(t, orphaned)
}

func TestNames(t *testing.T) {
	c := testCatalog(t)

	for _, name := range []string{"pics/b.png", "pics/a.png", "docs/readme", "pics"} {
		_, err := c.Commit("tenant", name, hashA, nil)
		require.NoError(t, err)
	}
	_, err := c.Commit("tenant2", "pics/c.png", hashA, nil)
	require.NoError(t, err)
	_, err = c.Commit("ten", "pics/d.png", hashA, nil)
	require.NoError(t, err)

	names, err := c.Names("tenant", "pics/")
	require.NoError(t, err)
	assert.Equal(t, []string{"pics/a.png", "pics/b.png"}, names)

	names, err = c.Names("tenant", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme", "pics", "pics/a.png", "pics/b.png"}, names)

	names, err = c.Names("nobody", "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPendingBackups(t *testing.T) {
	c := testCatalog(t)

	_, err := c.Commit("tenant", "x", hashA, object(1))
	require.NoError(t, err)
	_, err = c.Commit("tenant", "y", hashB, object(1))
	require.NoError(t, err)
	_, err = c.Commit("tenant", "z", hashB, object(1))
	require.NoError(t, err)

	pending, err := c.PendingBackups()
	require.NoError(t, err)
	assert.Equal(t, []string{hashA, hashB}, pending)

	require.NoError(t, c.ClearPendingBackup(hashA))
	require.NoError(t, c.ClearPendingBackup(hashA))

	pending, err = c.PendingBackups()
	require.NoError(t, err)
	assert.Equal(t, []string{hashB}, pending)

	// a known object is not marked again
	_, err = c.Commit("tenant", "w", hashA, object(1))
	require.NoError(t, err)
	pending, err = c.PendingBackups()
	require.NoError(t, err)
	assert.Equal(t, []string{hashB}, pending)
}

func TestConcurrentCommits(t *testing.T) {
	c := testCatalog(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Commit("tenant", fmt.Sprintf("name-%02d", i), hashA, object(1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := c.RefCount(hashA)
	require.NoError(t, err)
	assert.Equal(t, workers, count)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	_, err = c.Commit("tenant", "x", hashA, object(1))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c, err = Open(dir, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	hash, err := c.Lookup("tenant", "x")
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)
}
