package catalog

import "strings"

const sep = "\x00"

var (
	mapPref = []byte("map:") // tenant NUL name -> hash
	refPref = []byte("ref:") // hash NUL tenant NUL name -> empty
	objPref = []byte("obj:") // hash -> Object
	bakPref = []byte("bak:") // hash -> empty, until backed up
)

func key(prefix []byte, parts ...string) []byte {
	return append(append([]byte(nil), prefix...), strings.Join(parts, sep)...)
}

func mapKey(tenant, name string) []byte {
	return key(mapPref, tenant, name)
}

func refKey(hash, tenant, name string) []byte {
	return key(refPref, hash, tenant, name)
}

func refPrefix(hash string) []byte {
	return key(refPref, hash, "")
}

func objKey(hash string) []byte {
	return key(objPref, hash)
}

func bakKey(hash string) []byte {
	return key(bakPref, hash)
}

func validate(parts ...string) error {
	for _, p := range parts {
		if p == "" {
			return ErrInvalidName.WrapMessage("empty catalog key part")
		}
		if strings.Contains(p, sep) {
			return ErrInvalidName.WrapMessage("%q contains a NUL byte", p)
		}
	}
	return nil
}
