package dedup

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/oneconcern/casproxy/pkg/app"
	"github.com/oneconcern/casproxy/pkg/catalog"
	"github.com/oneconcern/casproxy/pkg/scratch"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/localfs"
	"github.com/oneconcern/casproxy/pkg/surgeon"
	"github.com/oneconcern/casproxy/pkg/surgeon/surgeontest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const scratchDir = "/scratch"

type fixture struct {
	pool      *Pool
	app       *app.Context
	blobs     storage.Store
	backup    storage.Store
	dumps     storage.Store
	scratchFs afero.Fs
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	blobs     func(storage.Store) storage.Store
	backup    func(storage.Store) storage.Store
	dumps     storage.Store
	noBackup  bool
	threshold int64
}

func withDumps(store storage.Store) fixtureOption {
	return func(s *fixtureSettings) { s.dumps = store }
}

func withBlobs(wrap func(storage.Store) storage.Store) fixtureOption {
	return func(s *fixtureSettings) { s.blobs = wrap }
}

func withBackup(wrap func(storage.Store) storage.Store) fixtureOption {
	return func(s *fixtureSettings) { s.backup = wrap }
}

func withoutBackup() fixtureOption {
	return func(s *fixtureSettings) { s.noBackup = true }
}

func withThreshold(n int64) fixtureOption {
	return func(s *fixtureSettings) { s.threshold = n }
}

func memStore(t testing.TB) storage.Store {
	s, err := localfs.New(afero.NewMemMapFs())
	require.NoError(t, err)
	return s
}

func newFixture(t testing.TB, opts ...fixtureOption) *fixture {
	settings := fixtureSettings{threshold: 1024}
	for _, apply := range opts {
		apply(&settings)
	}

	f := &fixture{
		blobs:     memStore(t),
		dumps:     memStore(t),
		scratchFs: afero.NewMemMapFs(),
	}
	if settings.dumps != nil {
		f.dumps = settings.dumps
	}
	require.NoError(t, f.scratchFs.MkdirAll(scratchDir, 0700))
	if !settings.noBackup {
		f.backup = memStore(t)
	}

	cat, err := catalog.OpenInMemory(zap.NewNop())
	require.NoError(t, err)

	blobs, backup := f.blobs, f.backup
	if settings.blobs != nil {
		blobs = settings.blobs(blobs)
	}
	if settings.backup != nil && backup != nil {
		backup = settings.backup(backup)
	}

	f.app = app.New(
		app.WithBlobs(blobs),
		app.WithBackup(backup),
		app.WithDumps(f.dumps),
		app.WithCatalog(cat),
		app.WithScratch(scratch.New(f.scratchFs, scratchDir, settings.threshold)),
		app.WithUsers(map[string]string{"alice": "a", "bob": "b"}),
		app.WithBackupParallelism(2),
		app.WithLogger(zap.NewNop()),
	)
	t.Cleanup(func() { _ = f.app.Close() })
	f.pool = New(f.app)
	return f
}

// image builds a container holding volatile metadata, which canonical form does not depend on stamp
func image(stamp, comment string) []byte {
	return surgeontest.Container(
		surgeontest.IHDR(),
		surgeontest.TIME(),
		surgeontest.Chunk(surgeon.TEXT, surgeontest.Text("date:create", stamp, "Comment", comment)),
		surgeontest.IDAT(),
		surgeontest.IEND(),
	)
}

// canonical form of image
func canonical(comment string) []byte {
	return surgeontest.Container(
		surgeontest.IHDR(),
		surgeontest.Chunk(surgeon.TEXT, surgeontest.Text("Comment", comment)),
		surgeontest.IDAT(),
		surgeontest.IEND(),
	)
}

func hashOf(data []byte) string {
	h := newHasher()
	_, _ = h.Write(data)
	return hexSum(h)
}

func (f *fixture) put(t testing.TB, identity, name string, data []byte) string {
	etag, err := f.pool.As(identity).Put(context.Background(), identity, name, bytes.NewReader(data), "image/png")
	require.NoError(t, err)
	return etag
}

func (f *fixture) get(t testing.TB, identity, name string) []byte {
	rdr, err := f.pool.As(identity).Get(context.Background(), identity, name)
	require.NoError(t, err)
	defer rdr.Close()
	data, err := io.ReadAll(rdr)
	require.NoError(t, err)
	return data
}

func (f *fixture) blobKeys(t testing.TB) []string {
	keys, err := f.blobs.Keys(context.Background(), blobsRoot+"/")
	require.NoError(t, err)
	return keys
}

func (f *fixture) scratchFiles(t testing.TB) []string {
	var names []string
	require.NoError(t, afero.Walk(f.scratchFs, scratchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			names = append(names, path)
		}
		return nil
	}))
	return names
}

func (f *fixture) refCount(t testing.TB, hash string) int {
	count, err := f.app.Catalog.RefCount(hash)
	require.NoError(t, err)
	return count
}

// failingStore fails writes and deletes of blobs
type failingStore struct {
	storage.Store
	failPut    bool
	failDelete bool
}

var errBackend = os.ErrPermission

func (s *failingStore) Put(ctx context.Context, key string, r io.Reader, opts storage.PutOptions) (string, error) {
	if s.failPut && strings.HasPrefix(key, blobsRoot) {
		return "", errBackend
	}
	return s.Store.Put(ctx, key, r, opts)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.failDelete {
		return errBackend
	}
	return s.Store.Delete(ctx, key)
}
