package alloy

import (
	"fmt"
	"strings"
)

// Path is a namespace inside an archive: an ordered list of segments,
// rendered as "a/b/".  The zero value is the archive root.  A Path is
// never modified after construction, so it can be shared freely.
type Path struct {
	segments []string
}

// ParsePath converts "a/b/" (or "a/b") into a Path.  Empty segments are
// dropped, so "/a//b" and "a/b/" are the same namespace.
func ParsePath(raw string) (path Path) {
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			continue
		}
		path = path.Append(seg)
	}
	return
}

// SplitPath splits a full resource path such as "models/weights.bin"
// into its namespace and resource name.
func SplitPath(full string) (path Path, name string, err error) {
	full = strings.TrimPrefix(full, "/")
	if full == "" || strings.HasSuffix(full, "/") {
		return path, "", fmt.Errorf("not a resource path: %q", full)
	}
	i := strings.LastIndex(full, "/")
	if i < 0 {
		return Path{}, full, nil
	}
	return ParsePath(full[:i]), full[i+1:], nil
}

// Append returns a new Path with segment added at the end.  The
// receiver is left untouched.
func (path Path) Append(segment string) Path {
	segs := make([]string, len(path.segments), len(path.segments)+1)
	copy(segs, path.segments)
	return Path{segments: append(segs, segment)}
}

// Segments returns a copy of the path segments.
func (path Path) Segments() []string {
	return append([]string(nil), path.segments...)
}

// IsRoot reports whether path is the archive root.
func (path Path) IsRoot() bool {
	return len(path.segments) == 0
}

// String renders the path as an entry prefix.  The root renders as "".
func (path Path) String() string {
	if path.IsRoot() {
		return ""
	}
	return strings.Join(path.segments, "/") + "/"
}

// Join returns the full entry name of resource name under path.
func (path Path) Join(name string) string {
	return path.String() + name
}
