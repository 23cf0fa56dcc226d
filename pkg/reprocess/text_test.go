package reprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterText(t *testing.T) {
	longKey := strings.Repeat("k", maxKeyLength-1)

	for _, toPin := range []struct {
		name    string
		payload string
		kept    string
		dropped int
		corrupt bool
	}{
		{name: "empty", payload: "", kept: ""},
		{name: "single kept", payload: "Comment\x00hi", kept: "Comment\x00hi"},
		{name: "volatile first", payload: "date:create\x002020\x00Comment\x00hi", kept: "Comment\x00hi", dropped: 1},
		{name: "volatile last", payload: "Comment\x00hi\x00date:modify\x002021", kept: "Comment\x00hi", dropped: 1},
		{name: "volatile middle", payload: "a\x001\x00date:timestamp\x00x\x00b\x002", kept: "a\x001\x00b\x002", dropped: 1},
		{name: "all volatile", payload: "date:create\x00x\x00date:modify\x00y\x00date:timestamp\x00z", kept: "", dropped: 3},
		{name: "volatile with empty value", payload: "date:create\x00", kept: "", dropped: 1},
		{name: "terminated payload", payload: "Comment\x00hi\x00", kept: "Comment\x00hi\x00"},
		{name: "terminated payload, volatile dropped", payload: "date:create\x00x\x00Comment\x00hi\x00", kept: "Comment\x00hi\x00", dropped: 1},
		{name: "empty key keeps the tail", payload: "Comment\x00hi\x00\x00date:create\x00x", kept: "Comment\x00hi\x00\x00date:create\x00x"},
		{name: "leading empty key", payload: "\x00date:create\x00x", kept: "\x00date:create\x00x"},
		{name: "case sensitive keys", payload: "Date:Create\x00x", kept: "Date:Create\x00x"},
		{name: "longest key", payload: longKey + "\x00v", kept: longKey + "\x00v"},
		{name: "key too long", payload: longKey + "k\x00v", corrupt: true},
		{name: "no separator", payload: "just some text", corrupt: true},
	} {
		fixture := toPin
		t.Run(fixture.name, func(t *testing.T) {
			f, ok := filterText([]byte(fixture.payload))
			if fixture.corrupt {
				assert.False(t, ok)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, fixture.kept, string(f.kept))
			assert.Equal(t, fixture.dropped, f.dropped)
		})
	}
}
