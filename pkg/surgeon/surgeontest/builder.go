// Package surgeontest builds chunked container streams for tests.
package surgeontest

import (
	"bytes"
	"encoding/binary"

	"github.com/oneconcern/casproxy/pkg/surgeon"
)

// Chunk encodes a well-formed chunk
func Chunk(t surgeon.ChunkType, payload []byte) []byte {
	return ChunkWithCRC(t, payload, surgeon.Checksum(t, payload))
}

// ChunkWithCRC encodes a chunk with an arbitrary stored checksum
func ChunkWithCRC(t surgeon.ChunkType, payload []byte, crc uint32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(t.Bytes())
	buf.Write(payload)
	_ = binary.Write(&buf, binary.BigEndian, crc)
	return buf.Bytes()
}

// Corrupt encodes a chunk which stored checksum does not match its payload
func Corrupt(t surgeon.ChunkType, payload []byte) []byte {
	return ChunkWithCRC(t, payload, ^surgeon.Checksum(t, payload))
}

// Container prepends the magic signature to encoded chunks
func Container(chunks ...[]byte) []byte {
	out := append([]byte(nil), surgeon.Magic[:]...)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Text encodes tEXt entries as key NUL value, separated by NUL bytes
func Text(kv ...string) []byte {
	if len(kv)%2 != 0 {
		panic("Text expects key/value pairs")
	}
	var buf bytes.Buffer
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(kv[i])
		buf.WriteByte(0)
		buf.WriteString(kv[i+1])
	}
	return buf.Bytes()
}

// IHDR chunk for a 1x1 8-bit grayscale image
func IHDR() []byte {
	return Chunk(surgeon.IHDR, []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 0, 0, 0, 0})
}

// IDAT chunk holding the zlib stream of a single black pixel
func IDAT() []byte {
	return Chunk(surgeon.IDAT, []byte{0x78, 0x9c, 0x63, 0x60, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01})
}

// TIME chunk for 2020-01-02 03:04:05
func TIME() []byte {
	return Chunk(surgeon.TIME, []byte{0x07, 0xe4, 1, 2, 3, 4, 5})
}

// IEND chunk
func IEND() []byte {
	return Chunk(surgeon.IEND, nil)
}

// Image is a minimal valid container with no volatile metadata
func Image() []byte {
	return Container(IHDR(), IDAT(), IEND())
}

// Chunks parses an encoded container into its chunks, for assertions.
//
// It returns false if the stream is not a sequence of well-formed, correctly checksummed chunks.
func Chunks(data []byte) ([]surgeon.ChunkData, bool) {
	if !surgeon.IsContainer(data) {
		return nil, false
	}
	data = data[surgeon.MagicSize:]
	var chunks []surgeon.ChunkData
	for len(data) > 0 {
		if len(data) < 12 {
			return chunks, false
		}
		length := binary.BigEndian.Uint32(data[0:4])
		if uint64(len(data)) < 12+uint64(length) {
			return chunks, false
		}
		t := surgeon.ChunkType(binary.BigEndian.Uint32(data[4:8]))
		payload := data[8 : 8+length]
		c := surgeon.ChunkData{
			Type:     t,
			Payload:  payload,
			Stored:   binary.BigEndian.Uint32(data[8+length : 12+length]),
			Computed: surgeon.Checksum(t, payload),
		}
		if !c.Intact() {
			return chunks, false
		}
		chunks = append(chunks, c)
		data = data[12+length:]
	}
	return chunks, true
}
