package reprocess

import "bytes"

// maxKeyLength bounds a tEXt keyword, its NUL terminator included
const maxKeyLength = 80

// volatileKeys hold upload-time dates, written by image tools on every conversion
var volatileKeys = map[string]struct{}{
	"date:timestamp": {},
	"date:modify":    {},
	"date:create":    {},
}

type textFilter struct {
	kept    []byte
	dropped int
}

// filterText removes volatile entries from a tEXt payload.
//
// Entries are laid out as key NUL value, separated by NUL bytes; the last value may run to
// the end of the payload. Retained entries keep their exact original bytes. An empty key
// ends parsing and the remaining bytes are retained as they are.
//
// When a key cannot be found within maxKeyLength bytes, the payload is considered corrupt
// and ok is false.
func filterText(payload []byte) (f textFilter, ok bool) {
	f.kept = make([]byte, 0, len(payload))
	for pos := 0; pos < len(payload); {
		window := payload[pos:]
		if len(window) > maxKeyLength {
			window = window[:maxKeyLength]
		}
		keyEnd := bytes.IndexByte(window, 0)
		if keyEnd < 0 {
			return textFilter{}, false
		}
		if keyEnd == 0 {
			f.kept = append(f.kept, payload[pos:]...)
			break
		}

		// keys are Latin-1: byte-wise comparison with the ASCII literals is exact
		key := string(payload[pos : pos+keyEnd])
		end := len(payload)
		if valueEnd := bytes.IndexByte(payload[pos+keyEnd+1:], 0); valueEnd >= 0 {
			end = pos + keyEnd + 1 + valueEnd + 1
		}

		if _, volatile := volatileKeys[key]; volatile {
			f.dropped++
		} else {
			f.kept = append(f.kept, payload[pos:end]...)
		}
		pos = end
	}

	// a separator left dangling by a dropped final entry
	if n := len(f.kept); n > 0 && f.kept[n-1] == 0 && payload[len(payload)-1] != 0 {
		f.kept = f.kept[:n-1]
	}
	return f, true
}
