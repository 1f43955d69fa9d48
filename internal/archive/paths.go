package archive

import (
	"net/url"
	"path"
	"strings"
)

// ResolvePath resolves href relative to the directory baseDir inside the
// container. Fragments and queries are dropped and percent-escapes decoded.
// It returns "" when href is empty, absolute, external, or escapes the
// container root.
func ResolvePath(baseDir, href string) string {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "#?"); i >= 0 {
		href = href[:i]
	}
	if href == "" || strings.HasPrefix(href, "/") || strings.Contains(href, "://") {
		return ""
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	cleaned := path.Clean(path.Join(baseDir, href))
	if !isSafePath(cleaned) {
		return ""
	}
	return cleaned
}

// Dir returns the directory part of an entry name, or "" at the root.
func Dir(name string) string {
	d := path.Dir(name)
	if d == "." {
		return ""
	}
	return d
}

// isSafePath reports whether p stays inside the container root.
func isSafePath(p string) bool {
	if p == "." || strings.HasPrefix(p, "/") {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}
