package alloy

import (
	"archive/zip"
	"time"
)

type optionData struct {
	method uint16
	level  int
	atomic bool
	clock  func() time.Time
}

// Option configures an Alloy.
type Option func(*optionData)

func defaultOptions() optionData {
	return optionData{
		method: zip.Deflate,
		level:  -1,
		clock:  time.Now,
	}
}

// WithMethod selects the zip compression method for resources,
// zip.Deflate (the default) or zip.Store.
func WithMethod(method uint16) Option {
	return func(o *optionData) {
		o.method = method
	}
}

// WithLevel sets the flate compression level used for zip.Deflate
// entries.  -1 keeps the library default.
func WithLevel(level int) Option {
	return func(o *optionData) {
		o.level = level
	}
}

// WithAtomic makes the writer build the archive in a temporary file
// next to the target and rename it into place on Close.  Readers of
// the target path see either the previous archive or the complete new
// one, never a partial write.  An archive that is never closed is
// never published.
func WithAtomic() Option {
	return func(o *optionData) {
		o.atomic = true
	}
}

// WithClock replaces time.Now as the source of resource timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *optionData) {
		o.clock = clock
	}
}
