package dedup

import (
	"context"

	"github.com/oneconcern/casproxy/pkg/catalog"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/metrics"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/status"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BackupReport sums up a backup sweep
type BackupReport struct {
	Pending int // hashes pending at the start of the sweep
	Copied  int
	Skipped int // objects which disappeared before being copied
	Failed  int

	// unreferenced objects removed before copying, left behind by a failed removal
	Collected int
}

// RunBackupSweep copies every object pending backup from the primary to the backup backend.
//
// Unreferenced objects whose removal failed earlier are collected first, even without a
// backup backend.
//
// Markers are removed as objects are copied. Failed copies keep their marker and are retried
// by the next sweep; they are reported as a combined error once all copies are done.
func (p *Pool) RunBackupSweep(ctx context.Context) (BackupReport, error) {
	var report BackupReport
	collected, collectErr := p.collectUnreferenced(ctx)
	report.Collected = collected

	if p.app.Backup == nil {
		return report, multierr.Append(ErrNoBackupBackend, collectErr)
	}

	hashes, err := p.app.Catalog.PendingBackups()
	if err != nil {
		return report, multierr.Append(ErrStorageBackend.Wrap(err), collectErr)
	}
	report.Pending = len(hashes)
	if len(hashes) == 0 {
		return report, collectErr
	}

	var (
		copied, skipped, failed atomic.Int64
		errs                    = make([]error, len(hashes))
	)
	lg := p.l.With(zap.String("backup", p.app.Backup.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.app.BackupParallelism)
	for i, hash := range hashes {
		if gctx.Err() != nil {
			break
		}
		i, hash := i, hash
		g.Go(func() error {
			copiedOK, err := p.backupOne(gctx, hash)
			switch {
			case err != nil:
				failed.Inc()
				metrics.Get().Backup.Failed.Inc()
				lg.Warn("backup failed", zap.String("hash", hash), zap.Error(err))
				errs[i] = err
			case copiedOK:
				copied.Inc()
				metrics.Get().Backup.Copied.Inc()
			default:
				skipped.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Copied = int(copied.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	lg.Info("backup sweep done",
		zap.Int("pending", report.Pending),
		zap.Int("copied", report.Copied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if err := multierr.Combine(append(errs, collectErr)...); err != nil {
		return report, ErrStorageBackend.Wrap(err)
	}
	return report, nil
}

// collectUnreferenced removes the objects no name references anymore
func (p *Pool) collectUnreferenced(ctx context.Context) (int, error) {
	hashes, err := p.app.Catalog.Unreferenced()
	if err != nil {
		return 0, ErrStorageBackend.Wrap(err)
	}

	var (
		collected int
		errs      error
	)
	for _, hash := range hashes {
		ok, err := p.collect(ctx, hash)
		if err != nil {
			p.l.Warn("could not collect unreferenced object", zap.String("hash", hash), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			collected++
			p.l.Info("removed unreferenced object", zap.String("hash", hash))
		}
	}
	return collected, errs
}

// backupOne copies an object, under its hash lock so that it cannot be removed meanwhile.
// It returns false when the object no longer exists.
func (p *Pool) backupOne(ctx context.Context, hash string) (bool, error) {
	release, err := p.lockHash(ctx, hash)
	if err != nil {
		return false, err
	}
	defer release()

	opts := storage.PutOptions{PublicRead: true}
	if obj, err := p.app.Catalog.Object(hash); err == nil {
		opts.ContentType = obj.ContentType
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return false, err
	}

	_, err = storage.Copy(ctx, p.app.Blobs, p.app.Backup, HashPath(hash), opts)
	switch {
	case errors.Is(err, status.ErrNotExists):
		return false, p.app.Catalog.ClearPendingBackup(hash)
	case err != nil:
		return false, err
	}
	return true, p.app.Catalog.ClearPendingBackup(hash)
}
