// Copyright © 2018 One Concern

// Package dedup implements a content-addressed object store, shared by tenants.
//
// Uploads are canonicalized, then stored once per distinct content under a path derived
// from the SHA-512 of the canonical bytes. A catalog maps each (tenant, name) to the hash
// of its content and counts references, so that a physical object is removed only when the
// last name pointing to it is deleted.
//
// Archives (names under backups/dumps) are the exception: they are stored as they are, by
// literal name, in a separate store.
package dedup

import (
	"context"

	"github.com/oneconcern/casproxy/pkg/app"
	"github.com/oneconcern/casproxy/pkg/provisional"
	"github.com/oneconcern/casproxy/pkg/reprocess"
	"go.uber.org/zap"
)

// Option for the pool
type Option func(*Pool)

// WithReprocessor overrides the default canonicalizing reprocessor
func WithReprocessor(r *reprocess.Reprocessor) Option {
	return func(p *Pool) {
		p.reprocessor = r
	}
}

// Pool is the shared content-addressed space. Callers operate on it through the view
// returned by As.
type Pool struct {
	app         *app.Context
	reprocessor *reprocess.Reprocessor
	dumps       ObjectStore
	l           *zap.Logger

	// in-flight writes, by tenant and name
	names *provisional.Table

	// physical objects being written or removed, by hash
	hashes *provisional.Table
}

// New pool over the backends of the application context
func New(appCtx *app.Context, opts ...Option) *Pool {
	p := &Pool{
		app:    appCtx,
		dumps:  NewPassthrough(appCtx.Dumps),
		l:      appCtx.Logger.Named("dedup"),
		names:  provisional.New(),
		hashes: provisional.New(),
	}
	for _, apply := range opts {
		apply(p)
	}
	if p.reprocessor == nil {
		p.reprocessor = reprocess.New(p.l.Named("reprocess"))
	}
	return p
}

// As returns the object store seen by a caller identity. The identity is assumed to be
// authenticated: it only operates on the container with the same name.
func (p *Pool) As(identity string) ObjectStore {
	return &tenantStore{
		pool:     p,
		identity: identity,
		l:        p.l.With(zap.String("identity", identity)),
	}
}

// InFlight lists the (tenant, name) keys with a write in progress
func (p *Pool) InFlight() []string {
	return p.names.Keys()
}

func (p *Pool) lockName(ctx context.Context, tenant, name string) (func(), error) {
	return p.names.Acquire(ctx, provisional.Key(tenant, name))
}

func (p *Pool) waitName(ctx context.Context, tenant, name string) error {
	return p.names.Wait(ctx, provisional.Key(tenant, name))
}

func (p *Pool) lockHash(ctx context.Context, hash string) (func(), error) {
	return p.hashes.Acquire(ctx, hash)
}
