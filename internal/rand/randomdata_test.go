package rand

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLetterString(t *testing.T) {
	s := LetterString(64)
	assert.Len(t, s, 64)
	assert.Empty(t, strings.Trim(s, "abcdefghijklmnopqrstuvwxyz0123456789"))
}

func TestName(t *testing.T) {
	name := Name(3)
	assert.Len(t, strings.Split(name, "/"), 3)
	assert.NotEqual(t, name, Name(3))
}

func benchmarkBytes(b *testing.B, size int) {
	for n := 0; n < b.N; n++ {
		_ = Bytes(size)
	}
}

func BenchmarkBytes100(b *testing.B)     { benchmarkBytes(b, 100) }
func BenchmarkBytes1000000(b *testing.B) { benchmarkBytes(b, 1000000) }
