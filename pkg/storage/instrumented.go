// Copyright © 2018 One Concern

package storage

import (
	"context"
	"io"
	"strings"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"
)

// Instrument decorates a store with tracing spans and debug logging on every call.
//
// A nil tracer defaults to the global tracer.
func Instrument(tr opentracing.Tracer, logger *zap.Logger, store Store) Store {
	if tr == nil {
		tr = opentracing.GlobalTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumentedStore{
		tr:    tr,
		store: store,
		l:     logger.With(zap.String("storage", store.String())),
	}
}

type instrumentedStore struct {
	store Store
	tr    opentracing.Tracer
	l     *zap.Logger
}

func (i *instrumentedStore) opName(name string) string {
	return strings.Join([]string{"storage", i.String(), name}, ".")
}

func (i *instrumentedStore) spanFromContext(ctx context.Context, name string) opentracing.Span {
	parent := opentracing.SpanFromContext(ctx)
	var span opentracing.Span
	if parent != nil {
		span = i.tr.StartSpan(name, opentracing.ChildOf(parent.Context()))
	} else {
		span = i.tr.StartSpan(name)
	}
	return span
}

func finish(span opentracing.Span, err error) {
	if err != nil {
		ext.Error.Set(span, true)
		span.SetTag("error.message", err.Error())
	}
	span.Finish()
}

func (i *instrumentedStore) Has(ctx context.Context, key string) (has bool, err error) {
	span := i.spanFromContext(ctx, i.opName("Has"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage has", zap.String("key", key))

	return i.store.Has(opentracing.ContextWithSpan(ctx, span), key)
}

func (i *instrumentedStore) Get(ctx context.Context, key string) (rdr io.ReadCloser, err error) {
	span := i.spanFromContext(ctx, i.opName("Get"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage get", zap.String("key", key))

	return i.store.Get(opentracing.ContextWithSpan(ctx, span), key)
}

func (i *instrumentedStore) Stat(ctx context.Context, key string) (attrs Attrs, err error) {
	span := i.spanFromContext(ctx, i.opName("Stat"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage stat", zap.String("key", key))

	return i.store.Stat(opentracing.ContextWithSpan(ctx, span), key)
}

func (i *instrumentedStore) Put(ctx context.Context, key string, rdr io.Reader, opts PutOptions) (etag string, err error) {
	span := i.spanFromContext(ctx, i.opName("Put"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage put", zap.String("key", key), zap.String("contentType", opts.ContentType))

	return i.store.Put(opentracing.ContextWithSpan(ctx, span), key, rdr, opts)
}

func (i *instrumentedStore) Delete(ctx context.Context, key string) (err error) {
	span := i.spanFromContext(ctx, i.opName("Delete"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage delete", zap.String("key", key))

	return i.store.Delete(opentracing.ContextWithSpan(ctx, span), key)
}

func (i *instrumentedStore) Keys(ctx context.Context, prefix string) (keys []string, err error) {
	span := i.spanFromContext(ctx, i.opName("Keys"))
	defer func() { finish(span, err) }()
	i.l.Debug("storage keys", zap.String("prefix", prefix))

	return i.store.Keys(opentracing.ContextWithSpan(ctx, span), prefix)
}

func (i *instrumentedStore) String() string {
	return i.store.String()
}
