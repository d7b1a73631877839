package acquire

import (
	"io"
	"time"
)

const (
	// DefaultMaxFetchBytes bounds a fetched payload.
	DefaultMaxFetchBytes int64 = 64 * 1024 * 1024

	// DefaultMaxUnwrappedBytes bounds an extracted archive entry when the
	// caller sets no limit.
	DefaultMaxUnwrappedBytes int64 = 64 * 1024 * 1024

	// DefaultFetchTimeout bounds a whole fetch, including reading the body.
	DefaultFetchTimeout = 30 * time.Second
)

// readLimited reads all of r, failing with ErrTooLarge past max bytes.
// max <= 0 means no limit.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}
