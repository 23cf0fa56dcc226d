package sthree

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "pool"

type fakeObject struct {
	data        []byte
	contentType string
	acl         string
}

// fakeS3 serves the handful of path-style S3 calls used by the store
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != testBucket {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchBucket</Code><Message>no such bucket</Message></Error>`)
		return
	}

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		fmt.Fprintf(&buf, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`, testBucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&buf, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[k].data))
		}
		buf.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(buf.Bytes())

	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = fakeObject{data: data, contentType: r.Header.Get("Content-Type"), acl: r.Header.Get("X-Amz-Acl")}
		w.Header().Set("ETag", `"`+etagOf(data)+`"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>no such key</Message></Error>`)
			}
			return
		}
		w.Header().Set("ETag", `"`+etagOf(obj.data)+`"`)
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.data)))
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupStore(t testing.TB, bucket string) (storage.Store, *fakeS3) {
	t.Helper()

	fake := &fakeS3{objects: map[string]fakeObject{
		"sixteentons":    {data: []byte("this is the text")},
		"se/venteentons": {data: []byte("this is the text for another thing")},
	}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := &aws.Config{
		Credentials:      credentials.NewStaticCredentials("access-key", "secret-key-thing", ""),
		Region:           aws.String("us-west-2"),
		Endpoint:         aws.String(server.URL),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(true),
		MaxRetries:       aws.Int(0),
	}
	bs, err := New(Bucket(bucket), AWSConfig(cfg))
	require.NoError(t, err)
	return bs, fake
}

func TestHas(t *testing.T) {
	bs, _ := setupStore(t, testBucket)

	has, err := bs.Has(context.Background(), "sixteentons")
	require.NoError(t, err)
	require.True(t, has)

	has, err = bs.Has(context.Background(), "fifteentons")
	require.NoError(t, err)
	require.False(t, has)
}

func TestGet(t *testing.T) {
	bs, _ := setupStore(t, testBucket)

	rdr, err := bs.Get(context.Background(), "se/venteentons")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, "this is the text for another thing", string(b))

	_, err = bs.Get(context.Background(), "fifteentons")
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotExists))
}

func TestStat(t *testing.T) {
	bs, _ := setupStore(t, testBucket)

	attrs, err := bs.Stat(context.Background(), "sixteentons")
	require.NoError(t, err)
	assert.Equal(t, int64(16), attrs.Size)
	assert.Equal(t, etagOf([]byte("this is the text")), attrs.ETag)

	_, err = bs.Stat(context.Background(), "fifteentons")
	assert.True(t, errors.Is(err, status.ErrNotExists))
}

func TestPut(t *testing.T) {
	bs, fake := setupStore(t, testBucket)

	etag, err := bs.Put(context.Background(), "blobs/a/bcd/abcd", bytes.NewBufferString("here we go once again"),
		storage.PutOptions{ContentType: "image/png", PublicRead: true})
	require.NoError(t, err)
	assert.Equal(t, etagOf([]byte("here we go once again")), etag)

	fake.mu.Lock()
	obj := fake.objects["blobs/a/bcd/abcd"]
	fake.mu.Unlock()
	assert.Equal(t, "here we go once again", string(obj.data))
	assert.Equal(t, "image/png", obj.contentType)
	assert.Equal(t, aclPublicRead, obj.acl)

	attrs, err := bs.Stat(context.Background(), "blobs/a/bcd/abcd")
	require.NoError(t, err)
	assert.Equal(t, "image/png", attrs.ContentType)
}

func TestKeysAndDelete(t *testing.T) {
	bs, _ := setupStore(t, testBucket)

	keys, err := bs.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"se/venteentons", "sixteentons"}, keys)

	keys, err = bs.Keys(context.Background(), "se/")
	require.NoError(t, err)
	assert.Equal(t, []string{"se/venteentons"}, keys)

	require.NoError(t, bs.Delete(context.Background(), "sixteentons"))
	require.NoError(t, bs.Delete(context.Background(), "sixteentons"))
	keys, err = bs.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"se/venteentons"}, keys)
}

func TestMissingBucket(t *testing.T) {
	bs, _ := setupStore(t, "nowhere")

	_, err := bs.Get(context.Background(), "sixteentons")
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInvalidResource))

	_, err = New(Bucket(""))
	assert.True(t, errors.Is(err, status.ErrInvalidResource))
}

func TestString(t *testing.T) {
	bs, _ := setupStore(t, testBucket)
	assert.Equal(t, "s3@"+testBucket, bs.String())
}
