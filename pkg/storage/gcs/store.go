// Copyright © 2018 One Concern

package gcs

import (
	"context"
	"io"

	gcsStorage "cloud.google.com/go/storage"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcs struct {
	client         *gcsStorage.Client
	readOnlyClient *gcsStorage.Client
	bucket         string
}

// New GCS backed store.
//
// When credentialFile is empty, the application default credentials are used
// (e.g. GOOGLE_APPLICATION_CREDENTIALS).
func New(ctx context.Context, bucket, credentialFile string) (storage.Store, error) {
	if bucket == "" {
		return nil, status.ErrInvalidResource.WrapMessage("a bucket is required")
	}
	googleStore := &gcs{bucket: bucket}

	readOnly := []option.ClientOption{option.WithScopes(gcsStorage.ScopeReadOnly)}
	full := []option.ClientOption{option.WithScopes(gcsStorage.ScopeFullControl)}
	if credentialFile != "" {
		readOnly = append(readOnly, option.WithCredentialsFile(credentialFile))
		full = append(full, option.WithCredentialsFile(credentialFile))
	}

	var err error
	googleStore.readOnlyClient, err = gcsStorage.NewClient(ctx, readOnly...)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	googleStore.client, err = gcsStorage.NewClient(ctx, full...)
	if err != nil {
		_ = googleStore.readOnlyClient.Close()
		return nil, toSentinelErrors(err)
	}
	return googleStore, nil
}

func (g *gcs) String() string {
	return "gcs://" + g.bucket
}

func (g *gcs) Has(ctx context.Context, objectName string) (bool, error) {
	_, err := g.Stat(ctx, objectName)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, status.ErrNotExists):
		return false, nil
	default:
		return false, err
	}
}

func (g *gcs) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	objectReader, err := g.readOnlyClient.Bucket(g.bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, toSentinelErrors(err)
	}
	return objectReader, nil
}

func (g *gcs) Stat(ctx context.Context, objectName string) (storage.Attrs, error) {
	attrs, err := g.readOnlyClient.Bucket(g.bucket).Object(objectName).Attrs(ctx)
	if err != nil {
		return storage.Attrs{}, toSentinelErrors(err)
	}
	return storage.Attrs{
		Size:        attrs.Size,
		ETag:        attrs.Etag,
		ContentType: attrs.ContentType,
	}, nil
}

func (g *gcs) Put(ctx context.Context, objectName string, reader io.Reader, opts storage.PutOptions) (string, error) {
	writer := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = opts.ContentType
	if opts.PublicRead {
		writer.PredefinedACL = "publicRead"
	}
	if _, err := io.Copy(writer, reader); err != nil {
		_ = writer.CloseWithError(err)
		return "", toSentinelErrors(err)
	}
	if err := writer.Close(); err != nil {
		return "", toSentinelErrors(err)
	}
	return writer.Attrs().Etag, nil
}

func (g *gcs) Delete(ctx context.Context, objectName string) error {
	err := toSentinelErrors(g.client.Bucket(g.bucket).Object(objectName).Delete(ctx))
	if errors.Is(err, status.ErrNotExists) {
		return nil
	}
	return err
}

func (g *gcs) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	objectsIterator := g.readOnlyClient.Bucket(g.bucket).Objects(ctx, &gcsStorage.Query{Prefix: prefix})
	for {
		attrs, err := objectsIterator.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, toSentinelErrors(err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
