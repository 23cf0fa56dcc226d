// Package reprocess canonicalizes uploaded files so that semantically identical
// uploads produce byte-identical content.
//
// Only chunked image containers (PNG) are rewritten: the tIME chunk and the
// date entries of tEXt chunks are stripped, since they record when a file was
// produced rather than what it shows. Everything else passes through untouched,
// including inputs which are not containers at all.
package reprocess

import (
	"io"

	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/metrics"
	"github.com/oneconcern/casproxy/pkg/surgeon"
	"go.uber.org/zap"
)

// DefaultTextLimit is the tEXt chunk size at and above which chunks are copied without inspection
const DefaultTextLimit = 16384

// Option for the reprocessor
type Option func(*Reprocessor)

// WithTextLimit sets the size limit for inspected tEXt chunks
func WithTextLimit(limit uint32) Option {
	return func(r *Reprocessor) {
		r.textLimit = limit
	}
}

// Reprocessor canonicalizes upload streams. It holds no per-stream state and is safe for concurrent use.
type Reprocessor struct {
	l         *zap.Logger
	textLimit uint32
}

// Report sums up what a reprocessing pass did
type Report struct {
	Container         bool
	Chunks            int
	DroppedChunks     int
	RewrittenChunks   int
	DroppedEntries    int
	ChecksumMismatch  int
	CorruptText       int
	Truncated         bool
	RawBytes          int64
	PassThroughReason string
}

// Changed is true when the output differs from the input
func (r Report) Changed() bool {
	return r.DroppedChunks > 0 || r.RewrittenChunks > 0
}

// New reprocessor
func New(logger *zap.Logger, opts ...Option) *Reprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reprocessor{
		l:         logger,
		textLimit: DefaultTextLimit,
	}
	for _, apply := range opts {
		apply(r)
	}
	return r
}

// Reprocess consumes in and writes its canonical form to out.
//
// Inputs which are not containers, or which turn out to be truncated or malformed, are
// never rejected: whatever could not be canonicalized is passed through as is. Only
// I/O errors on in or out are returned.
func (r *Reprocessor) Reprocess(in io.Reader, out io.Writer) (Report, error) {
	var report Report

	var magic [surgeon.MagicSize]byte
	n, err := io.ReadFull(in, magic[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return report, err
	}
	if !surgeon.IsContainer(magic[:n]) {
		report.PassThroughReason = "not a container"
		if _, err := out.Write(magic[:n]); err != nil {
			return report, err
		}
		trailing, err := io.Copy(out, in)
		if err != nil {
			return report, err
		}
		report.RawBytes = int64(n) + trailing
		r.record(report)
		return report, nil
	}

	report.Container = true
	s := surgeon.New(in, out)
	if err := s.WriteRaw(magic[:]); err != nil {
		return report, err
	}

	err = r.chunks(s, &report)
	switch {
	case errors.Is(err, surgeon.ErrTruncatedStream):
		report.Truncated = true
		report.PassThroughReason = "truncated"
		r.l.Debug("truncated container passed through", zap.Int("chunks", report.Chunks), zap.Error(err))
	case errors.Is(err, surgeon.ErrMalformedChunk):
		report.PassThroughReason = "malformed"
		r.l.Debug("malformed container passed through", zap.Int("chunks", report.Chunks), zap.Error(err))
	case err != nil:
		return report, err
	}

	// bytes after the end chunk, or after the point where parsing gave up
	trailing, err := s.PassThrough()
	if err != nil {
		return report, err
	}
	report.RawBytes = trailing
	if err := s.Flush(); err != nil {
		return report, err
	}

	r.record(report)
	return report, nil
}

func (r *Reprocessor) chunks(s *surgeon.Surgeon, report *Report) error {
	for {
		typ, err := s.ReadChunkType()
		if err != nil {
			return err
		}
		report.Chunks++

		switch {
		case typ == surgeon.TIME:
			report.DroppedChunks++
			if err := s.SkipChunkData(); err != nil {
				return err
			}

		case typ == surgeon.TEXT && s.ChunkLength() < r.textLimit:
			if err := r.text(s, report); err != nil {
				return err
			}

		default:
			if err := s.CopyChunk(); err != nil {
				return err
			}
			if typ == surgeon.IEND {
				return nil
			}
		}
	}
}

func (r *Reprocessor) text(s *surgeon.Surgeon, report *Report) error {
	data, err := s.ReadChunkData()
	if err != nil {
		return err
	}
	if !data.Intact() {
		report.ChecksumMismatch++
		r.l.Debug("corrupt chunk copied as is",
			zap.Stringer("type", data.Type),
			zap.Uint32("stored", data.Stored),
			zap.Uint32("computed", data.Computed),
		)
		return s.CopyChunk()
	}

	filtered, ok := filterText(data.Payload)
	switch {
	case !ok:
		report.CorruptText++
		r.l.Debug("unparsable tEXt chunk written back unchanged", zap.Int("length", len(data.Payload)))
		return s.WriteChunk(surgeon.TEXT, data.Payload)
	case filtered.dropped == 0:
		return s.CopyChunk()
	case len(filtered.kept) == 0:
		report.DroppedEntries += filtered.dropped
		report.DroppedChunks++
		return nil
	default:
		report.DroppedEntries += filtered.dropped
		report.RewrittenChunks++
		return s.WriteChunk(surgeon.TEXT, filtered.kept)
	}
}

func (r *Reprocessor) record(report Report) {
	m := metrics.Get()
	m.Reprocess.Chunks.Add(report.Chunks)
	m.Reprocess.DroppedChunks.Add(report.DroppedChunks)
	m.Reprocess.DroppedEntries.Add(report.DroppedEntries)
	m.Reprocess.ChecksumMismatch.Add(report.ChecksumMismatch)
	if report.PassThroughReason != "" {
		m.Reprocess.PassThrough.Inc(report.PassThroughReason)
	}
}
