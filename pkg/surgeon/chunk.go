package surgeon

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Magic is the 8-byte signature opening every PNG stream
var Magic = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// MagicSize is the length of the signature
const MagicSize = len(Magic)

// maxChunkLength is the largest payload length allowed by the container format (2^31-1)
const maxChunkLength = 1<<31 - 1

// ChunkType is the 4-byte ASCII tag of a chunk, read as a big-endian integer
type ChunkType uint32

// Standard chunk types
var (
	IHDR = FourCC("IHDR")
	PLTE = FourCC("PLTE")
	IDAT = FourCC("IDAT")
	IEND = FourCC("IEND")
	TRNS = FourCC("tRNS")
	CHRM = FourCC("cHRM")
	GAMA = FourCC("gAMA")
	ICCP = FourCC("iCCP")
	SBIT = FourCC("sBIT")
	SRGB = FourCC("sRGB")
	CICP = FourCC("cICP")
	MDCV = FourCC("mDCv")
	CLLI = FourCC("cLLi")
	TEXT = FourCC("tEXt")
	ZTXT = FourCC("zTXt")
	ITXT = FourCC("iTXt")
	BKGD = FourCC("bKGD")
	HIST = FourCC("hIST")
	PHYS = FourCC("pHYs")
	SPLT = FourCC("sPLT")
	EXIF = FourCC("eXIf")
	TIME = FourCC("tIME")
	ACTL = FourCC("acTL")
	FCTL = FourCC("fcTL")
	FDAT = FourCC("fdAT")
)

// FourCC builds a chunk type from its 4-character tag. It panics if the tag is not 4 bytes long.
func FourCC(tag string) ChunkType {
	if len(tag) != 4 {
		panic("chunk type tags are 4 bytes long: " + tag)
	}
	return ChunkType(binary.BigEndian.Uint32([]byte(tag)))
}

// Bytes of the tag, as written on the wire
func (t ChunkType) Bytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b[:]
}

func (t ChunkType) String() string {
	return string(t.Bytes())
}

// IsContainer tells if a stream starting with these bytes is a chunked container
func IsContainer(head []byte) bool {
	return len(head) >= MagicSize && bytes.Equal(head[:MagicSize], Magic[:])
}

// Checksum computes the CRC-32 (IEEE) of a chunk over its type and payload
func Checksum(t ChunkType, payload []byte) uint32 {
	crc := crc32.Update(0, crc32.IEEETable, t.Bytes())
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// ChunkData is the result of reading the payload of a chunk.
//
// A checksum mismatch is an expected outcome for damaged files, not an error:
// callers check Intact and decide how to recover.
type ChunkData struct {
	Type     ChunkType
	Payload  []byte
	Stored   uint32
	Computed uint32
}

// Intact is true when the stored checksum matches the payload
func (c ChunkData) Intact() bool {
	return c.Stored == c.Computed
}
