// Package scratch provides temporary space to spool an upload while it is hashed.
//
// Small payloads stay in memory. Beyond a threshold, the content spills to a
// temporary file, removed on Close.
package scratch

import (
	"bytes"
	"io"

	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// DefaultMemoryThreshold is the size above which a buffer spills to disk
const DefaultMemoryThreshold = 4 << 20

var (
	// ErrClosed is returned when using a closed buffer
	ErrClosed = errors.New("scratch buffer is closed")

	// ErrSpill is returned when the temporary file cannot be created or written
	ErrSpill = errors.New("cannot spill scratch buffer to disk")
)

// Space hands out scratch buffers
type Space struct {
	fs        afero.Fs
	dir       string
	threshold int64
}

// New scratch space, spilling to files created in dir on fs (dir may be empty for the default
// temp dir). A non-positive threshold spills everything.
func New(fs afero.Fs, dir string, threshold int64) *Space {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Space{fs: fs, dir: dir, threshold: threshold}
}

// Buffer returns a new, empty scratch buffer. It must be closed by the caller.
func (s *Space) Buffer() *Buffer {
	return &Buffer{space: s}
}

// Buffer is a write-then-read spool. It is not safe for concurrent use.
type Buffer struct {
	space  *Space
	mem    bytes.Buffer
	file   afero.File
	size   int64
	closed bool
}

func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.file == nil && int64(b.mem.Len()+len(p)) > b.space.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if b.file != nil {
		n, err = b.file.Write(p)
		if err != nil {
			err = ErrSpill.Wrap(err)
		}
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

func (b *Buffer) spill() error {
	f, err := afero.TempFile(b.space.fs, b.space.dir, "casproxy-scratch")
	if err != nil {
		return ErrSpill.Wrap(err)
	}
	b.file = f
	if _, err := b.mem.WriteTo(f); err != nil {
		return ErrSpill.Wrap(err)
	}
	b.mem = bytes.Buffer{}
	return nil
}

// Size of the content written so far
func (b *Buffer) Size() int64 {
	return b.size
}

// OnDisk tells if the content spilled to a file
func (b *Buffer) OnDisk() bool {
	return b.file != nil
}

// Reader over the whole content, from the start. Writes after this call are not supported.
func (b *Buffer) Reader() (io.Reader, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.file == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, ErrSpill.Wrap(err)
	}
	return b.file, nil
}

// Close releases the buffer and removes its temporary file, if any
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = bytes.Buffer{}
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	return multierr.Append(err, b.space.fs.Remove(name))
}
