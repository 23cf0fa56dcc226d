package dedup

import (
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"path"
	"strings"
)

const (
	blobsRoot  = "blobs"
	dumpsRoot  = "backups/dumps"
	dumpsRoot2 = "/" + dumpsRoot
)

// HashPath is the physical key of a content hash: blobs/<h[0]>/<h[1:4]>/<h>.
//
// This layout is shared with existing deployments and must not change.
func HashPath(h string) string {
	if len(h) < 4 {
		return path.Join(blobsRoot, h)
	}
	return path.Join(blobsRoot, h[:1], h[1:4], h)
}

// IsDump tells if a name belongs to the archive namespace, stored by literal name
func IsDump(name string) bool {
	return strings.HasPrefix(name, dumpsRoot) || strings.HasPrefix(name, dumpsRoot2)
}

// hasRelativeSegment tells if a slash or backslash separated name has a "." or ".." segment
func hasRelativeSegment(name string) bool {
	segments := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	for _, segment := range segments {
		if segment == "." || segment == ".." {
			return true
		}
	}
	return false
}

func newHasher() hash.Hash {
	return sha512.New()
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "\x00") {
		return ErrInvalidName.WrapMessage("%q", name)
	}
	return nil
}
