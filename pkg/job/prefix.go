package job

import (
	"path"
	"strings"
)

// AddPrefix maps a canonical (remote) path onto a prefixed cluster path.
//
//	AddPrefix("/fdata/in", "/data/x.tif") == "/fdata/in/data/x.tif"
//
// An empty prefix returns p unchanged.
func AddPrefix(prefix, p string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return p
	}
	return path.Join(prefix, "/"+strings.TrimPrefix(p, "/"))
}

// RemovePrefix is the inverse of AddPrefix. Paths that do not live under
// prefix are returned unchanged.
func RemovePrefix(prefix, p string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return p
	}
	if p == prefix {
		return "/"
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):]
	}
	return p
}
