package alloy

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned when writing to a sink that has already
	// been closed.
	ErrClosed = errors.New("sink already closed")
	// ErrWriterOpen is returned when a writer or reader is requested
	// while a writer is still open on the same Alloy.
	ErrWriterOpen = errors.New("archive writer still open")
	// ErrNotOpen is returned by namespace operations after the Alloy
	// that produced them has been closed.
	ErrNotOpen = errors.New("archive not open")
)

// IOError reports a failure of the underlying archive storage.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Cause() error { return e.Err }

// NotFoundError reports a read of a path with no entry in the archive.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err, or anything it wraps, is a
// *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
