package alloy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// ManifestName is the entry name of the global header record.
const ManifestName = "META-INF/MANIFEST.MF"

// Version is written into the manifest as the specification and
// implementation version.
const Version = "0.0.1"

// jar tools look for this extra field id on the first entry
const jarMagic = 0xCAFE

// manifest lines are limited to 72 bytes, not counting the CRLF
const maxManifestLine = 72

// Attr is one "Name: Value" line of a manifest.
type Attr struct {
	Name  string
	Value string
}

// Manifest is an ordered list of main manifest attributes.
type Manifest []Attr

// Get returns the value of the named attribute, or "" if absent.
// Attribute names are case-insensitive.
func (m Manifest) Get(name string) string {
	for _, attr := range m {
		if strings.EqualFold(attr.Name, name) {
			return attr.Value
		}
	}
	return ""
}

// defaultManifest is the fixed record written at the start of every
// archive.  It is not configurable.
func defaultManifest() Manifest {
	return Manifest{
		{"Manifest-Version", Version},
		{"Created-By", "t7a alloy"},
		{"Go-Version", runtime.Version()},
		{"Specification-Title", "Alloy namespace archive"},
		{"Specification-Vendor", "t7a"},
		{"Specification-Version", Version},
		{"Implementation-Title", "github.com/t7a/alloy"},
		{"Implementation-Vendor", "t7a"},
		{"Implementation-Version", Version},
	}
}

// MarshalText renders the manifest in jar format: CRLF line endings,
// 72-byte lines with single-space continuations, and a trailing blank
// line.
func (m Manifest) MarshalText() ([]byte, error) {
	var buf bytes.Buffer
	for _, attr := range m {
		if attr.Name == "" || strings.ContainsAny(attr.Name, ": \r\n") {
			return nil, fmt.Errorf("invalid manifest attribute name: %q", attr.Name)
		}
		if strings.ContainsAny(attr.Value, "\r\n") {
			return nil, fmt.Errorf("invalid manifest value for %s", attr.Name)
		}
		line := attr.Name + ": " + attr.Value
		limit := maxManifestLine
		for len(line) > limit {
			buf.WriteString(line[:limit])
			buf.WriteString("\r\n ")
			line = line[limit:]
			// continuation lines lose one byte to the leading space
			limit = maxManifestLine - 1
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// ParseManifest reads the main section of a jar manifest.  Parsing
// stops at the first blank line.
func ParseManifest(rd io.Reader) (m Manifest, err error) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, " ") {
			if len(m) == 0 {
				return nil, fmt.Errorf("manifest continuation without attribute: %q", line)
			}
			m[len(m)-1].Value += line[1:]
			continue
		}
		i := strings.Index(line, ": ")
		if i <= 0 {
			return nil, fmt.Errorf("malformed manifest line: %q", line)
		}
		m = append(m, Attr{Name: line[:i], Value: line[i+2:]})
	}
	err = scanner.Err()
	return
}
