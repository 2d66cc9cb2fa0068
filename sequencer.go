package alloy

import (
	"archive/zip"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// zip stores name lengths in 16 bits
const maxEntryName = 0xffff

// sequencer serializes every entry written to one zip stream.  The zip
// writer can only have one entry open at a time, so each appendEntry
// call runs its whole header/payload/flush frame under mu.  Entries
// land in the archive in the order callers win the lock.
type sequencer struct {
	mu    sync.Mutex
	zw    *zip.Writer
	name  string // archive location, for errors
	err   error  // first framing failure; the stream is unusable after it
	count int
}

func newSequencer(zw *zip.Writer, name string) *sequencer {
	return &sequencer{zw: zw, name: name}
}

// appendEntry writes hdr followed by raw as one complete entry.  hdr
// and raw come from frame: raw is already compressed and hdr already
// carries its CRC and sizes.  Directory markers pass a nil raw.
func (seq *sequencer) appendEntry(hdr *zip.FileHeader, raw []byte) (err error) {
	if len(hdr.Name) > maxEntryName || len(hdr.Extra) > maxEntryName {
		return &IOError{Op: "append", Path: seq.name, Err: errors.Errorf("entry header too long: %s", hdr.Name)}
	}

	seq.mu.Lock()
	defer seq.mu.Unlock()

	if seq.zw == nil {
		return errors.Wrapf(ErrNotOpen, "append %s", hdr.Name)
	}
	if seq.err != nil {
		return seq.err
	}

	defer func() {
		if err != nil {
			seq.err = err
		}
	}()

	w, err := seq.zw.CreateRaw(hdr)
	if err != nil {
		return ioErr("create "+hdr.Name, seq.name, err)
	}
	if len(raw) > 0 {
		n, err := w.Write(raw)
		if err != nil {
			return ioErr("write "+hdr.Name, seq.name, err)
		}
		if n != len(raw) {
			return ioErr("write "+hdr.Name, seq.name, errors.New("short write"))
		}
	}
	err = seq.zw.Flush()
	if err != nil {
		return ioErr("flush "+hdr.Name, seq.name, err)
	}
	seq.count++
	log.Debugf("append %s %d/%d bytes, entry %d", hdr.Name, len(raw), hdr.UncompressedSize64, seq.count)
	return nil
}

// failed returns the sticky framing error, if any.
func (seq *sequencer) failed() error {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	return seq.err
}

// close writes the central directory.  Appends after close fail with
// ErrNotOpen.
func (seq *sequencer) close() (err error) {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if seq.zw == nil {
		return nil
	}
	err = seq.zw.Close()
	seq.zw = nil
	if err != nil {
		return ioErr("finalize", seq.name, err)
	}
	return nil
}

// drop abandons the stream without writing the central directory.
func (seq *sequencer) drop() {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.zw = nil
}
