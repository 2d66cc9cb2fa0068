package alloy

import (
	"archive/zip"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// table is the entry table of one opened archive.  Lookups need no
// locking beyond the closed check: zip.File.Open reads through
// io.ReaderAt, which is safe for concurrent use.
type table struct {
	mu     sync.RWMutex
	zr     *zip.ReadCloser
	name   string
	files  map[string]*zip.File
	closed bool
}

func newTable(zr *zip.ReadCloser, name string) *table {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		// first entry wins when a path was committed twice
		if _, ok := files[f.Name]; !ok {
			files[f.Name] = f
		}
	}
	return &table{zr: zr, name: name, files: files}
}

func (tab *table) close() error {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	if tab.closed {
		return nil
	}
	tab.closed = true
	return tab.zr.Close()
}

func (tab *table) open(full string) (rc io.ReadCloser, err error) {
	tab.mu.RLock()
	defer tab.mu.RUnlock()
	if tab.closed {
		return nil, errors.Wrapf(ErrNotOpen, "read %s", full)
	}
	f, ok := tab.files[full]
	if !ok || f.FileInfo().IsDir() {
		return nil, &NotFoundError{Path: full}
	}
	rc, err = f.Open()
	if err != nil {
		return nil, ioErr("read "+full, tab.name, err)
	}
	return rc, nil
}

// Entry describes one archive entry relative to a reader's namespace.
type Entry struct {
	Name     string // relative to the namespace; directories end in "/"
	Dir      bool
	Size     int64
	Modified time.Time
}

// Reader is a view of an opened archive, positioned at one namespace.
// Readers are safe for concurrent use.  Reopening the Alloy's reader
// invalidates every Reader obtained from the previous open.
type Reader struct {
	path  Path
	table *table
}

// Path returns the namespace the reader is positioned at.
func (r *Reader) Path() Path {
	return r.path
}

// Within returns a reader positioned at segment under the reader's
// namespace.  It does no I/O and does not check that the namespace
// exists.
func (r *Reader) Within(segment string) *Reader {
	return &Reader{path: r.path.Append(segment), table: r.table}
}

// Resource opens the named resource under the reader's namespace.  It
// returns a *NotFoundError if the archive has no such entry.  The
// caller must close the returned stream.
func (r *Reader) Resource(name string) (io.ReadCloser, error) {
	return r.table.open(r.path.Join(name))
}

// Value decodes the first msgpack value stored in resource name into v.
func (r *Reader) Value(name string, v interface{}) (err error) {
	rc, err := r.Resource(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	err = msgpack.NewDecoder(rc).Decode(v)
	if err != nil {
		return errors.Wrapf(err, "decode %s", r.path.Join(name))
	}
	return nil
}

// Manifest parses the archive's global header record.  It ignores the
// reader's namespace.
func (r *Reader) Manifest() (m Manifest, err error) {
	rc, err := r.table.open(ManifestName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	m, err = ParseManifest(rc)
	if err != nil {
		return nil, ioErr("parse manifest", r.table.name, err)
	}
	return m, nil
}

// Walk calls fn for every entry under the reader's namespace, in
// archive order.  Entry names are relative to the namespace.  Walk
// stops at the first error returned by fn.
func (r *Reader) Walk(fn func(Entry) error) (err error) {
	r.table.mu.RLock()
	closed := r.table.closed
	r.table.mu.RUnlock()
	if closed {
		return errors.Wrapf(ErrNotOpen, "walk %s", r.path)
	}

	prefix := r.path.String()
	for _, f := range r.table.zr.File {
		if !strings.HasPrefix(f.Name, prefix) || f.Name == prefix {
			continue
		}
		info := f.FileInfo()
		err = fn(Entry{
			Name:     strings.TrimPrefix(f.Name, prefix),
			Dir:      info.IsDir(),
			Size:     int64(f.UncompressedSize64),
			Modified: f.Modified,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// List returns the entries directly under the reader's namespace,
// sorted by name.  Namespaces that only appear as a prefix of deeper
// entries are listed even without a directory marker.
func (r *Reader) List() (entries []Entry, err error) {
	seen := map[string]int{}
	err = r.Walk(func(e Entry) error {
		name := e.Name
		if i := strings.Index(name, "/"); i >= 0 && i < len(name)-1 {
			// deeper entry; list only its first segment
			name = name[:i+1]
			e = Entry{Name: name, Dir: true}
		}
		if idx, ok := seen[name]; ok {
			// prefer the marker's metadata over an implied directory
			if entries[idx].Modified.IsZero() {
				entries[idx].Modified = e.Modified
			}
			return nil
		}
		seen[name] = len(entries)
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
