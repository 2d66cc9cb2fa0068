package alloy

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	zipVersion10 = 10 // stored entries and directories
	zipVersion20 = 20 // deflate

	extTimeExtraID = 0x5455 // extended timestamp
	utf8Flag       = 0x800

	// sizes are written into the local header, which has no room for
	// zip64 values
	maxEntrySize = 1<<32 - 1
)

// frame builds a complete raw entry: a header carrying everything a
// reader needs up front (CRC, both sizes, timestamps) and the payload
// compressed with method.  Entries framed this way need no trailing
// data descriptor, so the sequencer can write each one in full while
// holding its lock, and the compression work stays outside the lock.
func frame(name string, method uint16, level int, modified time.Time, extra []byte, payload []byte) (hdr *zip.FileHeader, raw []byte, err error) {
	if uint64(len(payload)) > maxEntrySize {
		return nil, nil, errors.Errorf("%s: %d bytes exceeds entry size limit", name, len(payload))
	}

	hdr = &zip.FileHeader{Name: name, Method: method}
	hdr.Extra = append(hdr.Extra, extra...)
	if strings.HasSuffix(name, "/") {
		if len(payload) > 0 {
			return nil, nil, errors.Errorf("%s: directory entry with data", name)
		}
		hdr.Method = zip.Store
		hdr.SetMode(os.ModeDir | 0755)
	} else {
		hdr.SetMode(0644)
	}
	if !isASCII(name) && utf8.ValidString(name) {
		hdr.Flags |= utf8Flag
	}
	stamp(hdr, modified)

	hdr.CRC32 = crc32.ChecksumIEEE(payload)
	hdr.UncompressedSize64 = uint64(len(payload))
	switch hdr.Method {
	case zip.Store:
		raw = payload
		hdr.ReaderVersion = zipVersion10
	case zip.Deflate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, nil, err
		}
		_, err = fw.Write(payload)
		if err != nil {
			return nil, nil, err
		}
		err = fw.Close()
		if err != nil {
			return nil, nil, err
		}
		raw = buf.Bytes()
		hdr.ReaderVersion = zipVersion20
	default:
		return nil, nil, errors.Errorf("%s: unsupported compression method %d", name, hdr.Method)
	}
	if uint64(len(raw)) > maxEntrySize {
		return nil, nil, errors.Errorf("%s: compressed size exceeds entry size limit", name)
	}
	hdr.CompressedSize64 = uint64(len(raw))
	hdr.CreatorVersion = hdr.CreatorVersion&0xff00 | zipVersion20
	return hdr, raw, nil
}

// stamp sets both the MS-DOS time fields and an extended timestamp
// extra field, the way zip.Writer.CreateHeader does for Modified.
// CreateRaw writes header fields verbatim, so this has to happen here.
func stamp(hdr *zip.FileHeader, modified time.Time) {
	if modified.IsZero() {
		return
	}
	hdr.SetModTime(modified)
	var mbuf [9]byte
	binary.LittleEndian.PutUint16(mbuf[0:], extTimeExtraID)
	binary.LittleEndian.PutUint16(mbuf[2:], 5)
	mbuf[4] = 1 // modification time present
	binary.LittleEndian.PutUint32(mbuf[5:], uint32(modified.Unix()))
	hdr.Extra = append(hdr.Extra, mbuf[:]...)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
