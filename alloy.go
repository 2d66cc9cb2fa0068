package alloy

import (
	"archive/zip"
	"compress/flate"
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Alloy is the lifecycle handle for one archive location.  It owns at
// most one open zip writer or one open zip reader.  Its methods are not
// safe for concurrent use; the Writers, Sinks and Readers it hands out
// are.
type Alloy struct {
	Path string // archive location on disk
	opts optionData

	seq     *sequencer
	file    *os.File
	pending *renameio.PendingFile
	table   *table
}

// New returns an Alloy for the archive at path.  Nothing is opened
// until Writer or Reader is called.
func New(path string, options ...Option) *Alloy {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Alloy{Path: path, opts: opts}
}

// Writer creates or truncates the archive, writes the manifest, and
// returns a writer positioned at the archive root.  Any open reader is
// closed first.  The archive is not valid until Close is called.
func (a *Alloy) Writer() (root *Writer, err error) {
	if a.seq != nil {
		return nil, ErrWriterOpen
	}
	if a.opts.level < flate.HuffmanOnly || a.opts.level > flate.BestCompression {
		return nil, errors.Errorf("invalid compression level %d", a.opts.level)
	}
	err = a.closeReader()
	if err != nil {
		return nil, err
	}

	var out io.Writer
	if a.opts.atomic {
		a.pending, err = renameio.TempFile("", a.Path)
		if err != nil {
			return nil, ioErr("create", a.Path, err)
		}
		err = a.pending.Chmod(0644)
		if err != nil {
			a.pending.Cleanup()
			a.pending = nil
			return nil, ioErr("create", a.Path, err)
		}
		out = a.pending
	} else {
		a.file, err = os.Create(a.Path)
		if err != nil {
			return nil, ioErr("create", a.Path, err)
		}
		out = a.file
	}

	a.seq = newSequencer(zip.NewWriter(out), a.Path)

	err = a.writeManifest()
	if err != nil {
		a.abort()
		return nil, err
	}
	log.Debugf("writing %s", a.Path)
	return &Writer{seq: a.seq, opts: &a.opts}, nil
}

func (a *Alloy) writeManifest() error {
	buf, err := defaultManifest().MarshalText()
	if err != nil {
		return err
	}
	// jar magic extra field: id 0xCAFE, no data
	magic := []byte{jarMagic & 0xff, jarMagic >> 8, 0, 0}
	hdr, raw, err := frame(ManifestName, a.opts.method, a.opts.level, a.opts.clock(), magic, buf)
	if err != nil {
		return &IOError{Op: "frame " + ManifestName, Path: a.Path, Err: err}
	}
	return a.seq.appendEntry(hdr, raw)
}

// Reader opens the archive and returns a reader positioned at the
// archive root.  A reader from an earlier call is closed first, and
// every Reader derived from it stops working.
func (a *Alloy) Reader() (root *Reader, err error) {
	if a.seq != nil {
		return nil, ErrWriterOpen
	}
	err = a.closeReader()
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(a.Path)
	if err != nil {
		return nil, ioErr("open", a.Path, err)
	}
	a.table = newTable(zr, a.Path)
	log.Debugf("reading %s, %d entries", a.Path, len(zr.File))
	return &Reader{table: a.table}, nil
}

func (a *Alloy) closeReader() (err error) {
	if a.table == nil {
		return nil
	}
	log.Debugf("closing reader for %s", a.Path)
	err = a.table.close()
	a.table = nil
	if err != nil {
		return ioErr("close", a.Path, err)
	}
	return nil
}

// Close finalizes the archive if a writer is open and releases any
// open reader.  It is safe to call more than once.  If an entry failed
// to write, the archive is still closed but Close reports the failure;
// with WithAtomic the broken archive is discarded instead of published.
func (a *Alloy) Close() (err error) {
	if a.seq != nil {
		err = a.closeWriter()
	}
	rerr := a.closeReader()
	if err == nil {
		err = rerr
	}
	return
}

func (a *Alloy) closeWriter() (err error) {
	defer func() {
		a.seq = nil
		a.file = nil
		a.pending = nil
	}()

	failed := a.seq.failed()
	if failed != nil && a.pending != nil {
		a.abort()
		return errors.Wrap(failed, "archive discarded")
	}

	err = a.seq.close()
	if a.pending != nil {
		if err != nil {
			a.pending.Cleanup()
			return err
		}
		err = a.pending.CloseAtomicallyReplace()
		if err != nil {
			a.pending.Cleanup()
			return ioErr("publish", a.Path, err)
		}
	} else {
		cerr := a.file.Close()
		if err == nil && cerr != nil {
			err = ioErr("close", a.Path, cerr)
		}
	}
	if err == nil {
		err = failed
	}
	log.Debugf("closed %s", a.Path)
	return err
}

// Abort drops an open writer without finalizing the archive.  Sinks
// committed afterwards fail with ErrNotOpen.  With WithAtomic the
// previous archive at Path is left in place; otherwise Path holds a
// truncated, unreadable file.
func (a *Alloy) Abort() {
	if a.seq != nil {
		log.Debugf("aborting %s", a.Path)
	}
	a.abort()
}

func (a *Alloy) abort() {
	if a.seq != nil {
		a.seq.drop()
	}
	if a.pending != nil {
		a.pending.Cleanup()
	}
	if a.file != nil {
		a.file.Close()
	}
	a.seq = nil
	a.file = nil
	a.pending = nil
}
