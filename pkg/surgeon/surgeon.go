// Package surgeon reads and rewrites chunked binary containers (PNG streams),
// one chunk at a time.
//
// A Surgeon operates over one input and one output stream for the lifetime of a
// container. Chunks are either copied through byte-for-byte, skipped, or replaced
// by freshly checksummed ones.
package surgeon

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/oneconcern/casproxy/pkg/errors"
	"go.uber.org/multierr"
)

var (
	// ErrIllegalState is returned when chunk operations are called out of sequence
	ErrIllegalState = errors.New("illegal surgeon state")

	// ErrTruncatedStream is returned when the input ends before the declared chunk does.
	//
	// By the time it is returned, the consumed bytes of the current chunk have been written
	// to the output (unless that chunk was being skipped).
	ErrTruncatedStream = errors.New("truncated chunk stream")

	// ErrMalformedChunk is returned when a chunk header declares an impossible length.
	// The header bytes have been written to the output.
	ErrMalformedChunk = errors.New("malformed chunk")
)

type state uint8

const (
	idle state = iota
	open       // header read, payload not consumed
	read       // payload consumed by ReadChunkData, chunk may still be copied
)

const headerSize = 8

// Surgeon is a sequential chunk reader/writer. It is not safe for concurrent use.
type Surgeon struct {
	src io.Reader
	dst io.Writer
	in  *bufio.Reader
	out *bufio.Writer

	state  state
	header [headerSize]byte
	length uint32
	typ    ChunkType
	data   ChunkData
}

// New surgeon reading chunks from r and writing to w. Both streams are buffered.
func New(r io.Reader, w io.Writer) *Surgeon {
	return &Surgeon{
		src: r,
		dst: w,
		in:  bufio.NewReader(r),
		out: bufio.NewWriter(w),
	}
}

// ReadChunkType reads the header of the next chunk: its length and type.
//
// The previous chunk must have been consumed (read, skipped or copied).
func (s *Surgeon) ReadChunkType() (ChunkType, error) {
	if s.state == open {
		return 0, ErrIllegalState.WrapMessage("previous chunk %s not processed", s.typ)
	}
	s.state = idle

	n, err := io.ReadFull(s.in, s.header[:])
	if err != nil {
		return 0, s.truncated(err, s.header[:n])
	}

	length := binary.BigEndian.Uint32(s.header[0:4])
	typ := ChunkType(binary.BigEndian.Uint32(s.header[4:8]))
	if length > maxChunkLength {
		if _, werr := s.out.Write(s.header[:]); werr != nil {
			return 0, werr
		}
		return 0, ErrMalformedChunk.WrapMessage("chunk %q declares a length of %d bytes", typ, length)
	}

	s.length = length
	s.typ = typ
	s.state = open
	return typ, nil
}

// ChunkLength returns the declared payload length of the open chunk
func (s *Surgeon) ChunkLength() uint32 {
	if s.state != open {
		return 0
	}
	return s.length
}

// ReadChunkData reads the payload of the open chunk and its checksum.
//
// Nothing is written to the output. A checksum mismatch is reported by the returned
// ChunkData, not as an error. The chunk may still be copied afterwards with CopyChunk.
func (s *Surgeon) ReadChunkData() (ChunkData, error) {
	if s.state != open {
		return ChunkData{}, ErrIllegalState.WrapMessage("no chunk data available")
	}
	s.state = idle

	raw := make([]byte, int(s.length)+4)
	n, err := io.ReadFull(s.in, raw)
	if err != nil {
		if werr := s.writeRaw(s.header[:]); werr != nil {
			return ChunkData{}, werr
		}
		return ChunkData{}, s.truncated(err, raw[:n])
	}

	payload := raw[:s.length]
	s.data = ChunkData{
		Type:     s.typ,
		Payload:  payload,
		Stored:   binary.BigEndian.Uint32(raw[s.length:]),
		Computed: Checksum(s.typ, payload),
	}
	s.state = read
	return s.data, nil
}

// SkipChunkData discards the payload and checksum of the open chunk, without validation
func (s *Surgeon) SkipChunkData() error {
	if s.state != open {
		return ErrIllegalState.WrapMessage("no chunk to skip")
	}
	s.state = idle

	if _, err := io.CopyN(io.Discard, s.in, int64(s.length)+4); err != nil {
		return s.truncated(err, nil)
	}
	return nil
}

// CopyChunk re-emits the current chunk byte-for-byte, original checksum included.
//
// It works on an open chunk (the payload is streamed, not buffered) as well as on a chunk
// which payload was just read with ReadChunkData.
func (s *Surgeon) CopyChunk() error {
	switch s.state {
	case open:
		s.state = idle
		if _, err := s.out.Write(s.header[:]); err != nil {
			return err
		}
		if _, err := io.CopyN(s.out, s.in, int64(s.length)+4); err != nil {
			return s.truncated(err, nil)
		}
		return nil

	case read:
		s.state = idle
		var crc [4]byte
		binary.BigEndian.PutUint32(crc[:], s.data.Stored)
		return s.writeRaw(s.header[:], s.data.Payload, crc[:])

	default:
		return ErrIllegalState.WrapMessage("no chunk to copy")
	}
}

// WriteChunk emits a new chunk, with freshly computed length and checksum.
//
// It may not be called while a chunk is open. A chunk read with ReadChunkData and
// not copied is considered replaced.
func (s *Surgeon) WriteChunk(t ChunkType, payload []byte) error {
	if s.state == open {
		return ErrIllegalState.WrapMessage("cannot write chunk %s while chunk %s is open", t, s.typ)
	}
	s.state = idle
	if uint64(len(payload)) > maxChunkLength {
		return ErrMalformedChunk.WrapMessage("chunk %q payload is too large: %d bytes", t, len(payload))
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], uint32(t))
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], Checksum(t, payload))
	return s.writeRaw(header[:], payload, crc[:])
}

// WriteRaw writes bytes to the output, untouched
func (s *Surgeon) WriteRaw(p []byte) error {
	if s.state == open {
		return ErrIllegalState.WrapMessage("cannot write raw bytes while chunk %s is open", s.typ)
	}
	return s.writeRaw(p)
}

// PassThrough copies whatever remains of the input to the output.
//
// An open chunk is abandoned: its header is written and its bytes flow through unparsed.
func (s *Surgeon) PassThrough() (int64, error) {
	if s.state == open {
		s.state = idle
		if _, err := s.out.Write(s.header[:]); err != nil {
			return 0, err
		}
	}
	s.state = idle
	return io.Copy(s.out, s.in)
}

// Flush buffered output
func (s *Surgeon) Flush() error {
	return s.out.Flush()
}

// Close flushes the output, then closes both streams when they are closers
func (s *Surgeon) Close() error {
	err := s.Flush()
	if c, ok := s.src.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if c, ok := s.dst.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (s *Surgeon) writeRaw(parts ...[]byte) error {
	for _, p := range parts {
		if _, err := s.out.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// truncated salvages the partial bytes read so far, and qualifies short reads.
// Other read errors are passed as is: they are I/O failures, not malformed input.
func (s *Surgeon) truncated(err error, partial []byte) error {
	s.state = idle
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	if len(partial) > 0 {
		if werr := s.writeRaw(partial); werr != nil {
			return werr
		}
	}
	return ErrTruncatedStream.Wrap(err)
}
