package alloy

import (
	"archive/zip"

	log "github.com/sirupsen/logrus"
)

// Writer is a view of an archive being written, positioned at one
// namespace.  Writers are cheap and safe for concurrent use; they all
// share the sequencer of the Alloy that created the root writer.
type Writer struct {
	path Path
	seq  *sequencer
	opts *optionData
}

// Path returns the namespace the writer is positioned at.
func (w *Writer) Path() Path {
	return w.path
}

// Within appends a directory marker entry for segment under the
// writer's namespace and returns a writer positioned there.  The
// marker is written immediately, even if nothing is ever written
// under it, and calling Within twice with the same segment writes two
// markers.
func (w *Writer) Within(segment string) (child *Writer, err error) {
	path := w.path.Append(segment)
	hdr, _, err := frame(path.String(), zip.Store, w.opts.level, w.opts.clock(), nil, nil)
	if err != nil {
		return nil, &IOError{Op: "frame " + path.String(), Path: w.seq.name, Err: err}
	}
	err = w.seq.appendEntry(hdr, nil)
	if err != nil {
		return nil, err
	}
	log.Debugf("namespace %s", hdr.Name)
	return &Writer{path: path, seq: w.seq, opts: w.opts}, nil
}

// Resource returns an empty sink for name under the writer's
// namespace.  No archive I/O happens until the sink is closed.  Names
// are not checked against earlier resources; committing two sinks with
// the same full path produces two entries.
func (w *Writer) Resource(name string) *Sink {
	return newSink(w.seq, w.path.Join(name), w.opts)
}

// PutValue commits the msgpack encoding of v as resource name.
func (w *Writer) PutValue(name string, v interface{}) (err error) {
	sink := w.Resource(name)
	err = sink.Encode(v)
	if err != nil {
		// nothing was committed; the sink is dropped
		return err
	}
	return sink.Close()
}
