package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// A split zip archive is a sequence of segment files x.z01, x.z02, ... and a
// final x.zip. Local headers are addressed by (segment, offset in segment)
// which the zip package does not understand. joinSplitZip presents the
// segments as one file and appends a rewritten central directory using
// offsets into the joined file.

const (
	eocdSig     = 0x06054b50
	cdSig       = 0x02014b50
	eocdLen     = 22
	cdHeaderLen = 46
)

var errSplitZip64 = errors.New("zip64 split archives are not supported")

// multiReaderAt concatenates several ReaderAts.
type multiReaderAt struct {
	parts  []io.ReaderAt
	starts []int64 // starts[i] is the offset of parts[i]; the last is the total size
}

func newMultiReaderAt(parts []io.ReaderAt, sizes []int64) *multiReaderAt {
	m := &multiReaderAt{parts: parts, starts: make([]int64, len(parts)+1)}
	for i, n := range sizes {
		m.starts[i+1] = m.starts[i] + n
	}
	return m
}

func (m *multiReaderAt) Size() int64 { return m.starts[len(m.parts)] }

func (m *multiReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	i := sort.Search(len(m.parts), func(i int) bool { return m.starts[i+1] > off })
	n := 0
	for n < len(p) && i < len(m.parts) {
		rel := off + int64(n) - m.starts[i]
		want := p[n:]
		if left := m.starts[i+1] - m.starts[i] - rel; int64(len(want)) > left {
			want = want[:left]
		}
		k, err := m.parts[i].ReadAt(want, rel)
		n += k
		if k < len(want) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		i++
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// joinSplitZip takes the segments of a split archive in order, the .zip
// file last, and returns a ReaderAt over a single file zip.NewReader can read.
func joinSplitZip(parts []io.ReaderAt, sizes []int64) (io.ReaderAt, int64, error) {
	joined := newMultiReaderAt(parts, sizes)
	last := len(parts) - 1
	eocd, err := findEOCD(parts[last], sizes[last])
	if err != nil {
		return nil, 0, err
	}
	le := binary.LittleEndian
	cdDisk := int(le.Uint16(eocd[6:]))
	total := le.Uint16(eocd[10:])
	cdSize := le.Uint32(eocd[12:])
	cdOffset := le.Uint32(eocd[16:])
	if total == 0xffff || cdSize == 0xffffffff || cdOffset == 0xffffffff {
		return nil, 0, errSplitZip64
	}
	if cdDisk >= len(parts) {
		return nil, 0, errors.Wrapf(ErrNotContainer, "central directory on missing segment %d", cdDisk+1)
	}
	cd := make([]byte, cdSize)
	if _, err := joined.ReadAt(cd, joined.starts[cdDisk]+int64(cdOffset)); err != nil {
		return nil, 0, errors.Wrap(err, "reading central directory")
	}
	for p, i := 0, uint16(0); i < total; i++ {
		if p+cdHeaderLen > len(cd) || le.Uint32(cd[p:]) != cdSig {
			return nil, 0, errors.Wrap(ErrNotContainer, "bad central directory entry")
		}
		disk := int(le.Uint16(cd[p+34:]))
		local := le.Uint32(cd[p+42:])
		if local == 0xffffffff || disk == 0xffff {
			return nil, 0, errSplitZip64
		}
		if disk >= len(parts) {
			return nil, 0, errors.Wrapf(ErrNotContainer, "entry on missing segment %d", disk+1)
		}
		abs := joined.starts[disk] + int64(local)
		if abs > 0xffffffff {
			return nil, 0, errSplitZip64
		}
		le.PutUint16(cd[p+34:], 0)
		le.PutUint32(cd[p+42:], uint32(abs))
		p += cdHeaderLen + int(le.Uint16(cd[p+28:])) + int(le.Uint16(cd[p+30:])) + int(le.Uint16(cd[p+32:]))
	}
	if joined.Size() > 0xffffffff {
		return nil, 0, errSplitZip64
	}
	end := make([]byte, eocdLen)
	le.PutUint32(end[0:], eocdSig)
	le.PutUint16(end[8:], total)
	le.PutUint16(end[10:], total)
	le.PutUint32(end[12:], cdSize)
	le.PutUint32(end[16:], uint32(joined.Size()))
	trailer := append(cd, end...)
	all := append(append([]io.ReaderAt{}, parts...), bytes.NewReader(trailer))
	allSizes := append(append([]int64{}, sizes...), int64(len(trailer)))
	m := newMultiReaderAt(all, allSizes)
	return m, m.Size(), nil
}

// findEOCD returns the end of central directory record in the final segment.
func findEOCD(ra io.ReaderAt, size int64) ([]byte, error) {
	n := int64(eocdLen + 0xffff)
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	if _, err := ra.ReadAt(buf, size-n); err != nil && err != io.EOF {
		return nil, err
	}
	for i := len(buf) - eocdLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) == eocdSig {
			return buf[i : i+eocdLen], nil
		}
	}
	return nil, errors.Wrap(ErrNotContainer, "no end of central directory record")
}
