package alloy

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack"
)

// Sink buffers one resource in memory and appends it to the archive
// when closed.  Writes never touch the archive, so any number of sinks
// can be filled concurrently; only Close goes through the sequencer.
//
// A Sink belongs to the goroutine filling it.  Close commits at most
// once: after the first Close, further Close calls return the result
// of that first commit and never append again.  To abandon a resource,
// drop the sink without closing it.
type Sink struct {
	seq    *sequencer
	name   string
	method uint16
	level  int
	clock  func() time.Time

	mu     sync.Mutex
	buf    *bytes.Buffer
	closed bool
	err    error
}

func newSink(seq *sequencer, name string, opts *optionData) *Sink {
	return &Sink{
		seq:    seq,
		name:   name,
		method: opts.method,
		level:  opts.level,
		clock:  opts.clock,
		buf:    &bytes.Buffer{},
	}
}

// Name returns the full entry path the sink will commit to.
func (s *Sink) Name() string {
	return s.name
}

// Len returns the number of bytes buffered so far, or 0 once closed.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0
	}
	return s.buf.Len()
}

// Write appends p to the buffer.  Supports the io.Writer interface.
func (s *Sink) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.buf.Write(p)
}

// WriteString appends str to the buffer.
func (s *Sink) WriteString(str string) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.buf.WriteString(str)
}

// WriteByte appends c to the buffer.
func (s *Sink) WriteByte(c byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.buf.WriteByte(c)
}

// ReadFrom buffers rd until EOF.  Supports the io.ReaderFrom
// interface, so io.Copy into a Sink avoids an intermediate buffer.
func (s *Sink) ReadFrom(rd io.Reader) (n int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.buf.ReadFrom(rd)
}

// Encode appends the msgpack encoding of v.  Several values may be
// encoded into one resource and decoded back in order.
func (s *Sink) Encode(v interface{}) error {
	return msgpack.NewEncoder(s).Encode(v)
}

// Close stamps the resource with the current time and commits the
// buffered bytes to the archive as one entry.  Compression happens
// before the sequencer lock is taken; only the finished entry is
// copied under it.  The buffer is released whether or not the commit
// succeeds.
func (s *Sink) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true
	defer func() {
		s.buf = nil
		s.err = err
	}()

	hdr, raw, err := frame(s.name, s.method, s.level, s.clock(), nil, s.buf.Bytes())
	if err != nil {
		return &IOError{Op: "frame " + s.name, Path: s.seq.name, Err: err}
	}
	return s.seq.appendEntry(hdr, raw)
}
