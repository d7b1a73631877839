package acquire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/yarascan/internal/cryptoutil"
	"github.com/keithlinneman/yarascan/internal/xerrors"
)

var (
	// ErrArchive means the input is not a readable zip archive.
	ErrArchive = errors.New("invalid zip archive")

	// ErrEmptyArchive means the archive parsed but holds no entries.
	ErrEmptyArchive = errors.New("zip archive has no entries")

	// ErrTooLarge means content exceeded a configured size limit.
	ErrTooLarge = cryptoutil.ErrTooLarge
)

// Unwrap returns the decompressed content of the archive's first entry,
// whatever its name. Other entries are ignored. maxSize bounds the
// decompressed size; <= 0 means unbounded.
func Unwrap(data []byte, maxSize int64) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	if len(zr.File) == 0 {
		return nil, ErrEmptyArchive
	}

	f := zr.File[0]
	// the header can lie, so the read below is bounded as well
	if maxSize > 0 && f.UncompressedSize64 > uint64(maxSize) {
		return nil, xerrors.Wrapf(ErrTooLarge, "entry %s is %d bytes, limit %d", f.Name, f.UncompressedSize64, maxSize)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open entry %s: %v", ErrArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := readLimited(rc, maxSize)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, xerrors.Wrapf(err, "entry %s", f.Name)
		}
		return nil, fmt.Errorf("%w: read entry %s: %v", ErrArchive, f.Name, err)
	}
	return out, nil
}
