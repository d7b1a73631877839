package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
)

// ErrTooLarge is returned by ReadAllSHA256 when the input exceeds its limit.
var ErrTooLarge = errors.New("content exceeds size limit")

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ReadAllSHA256 reads r up to maxSize bytes, hashing as it goes. Reading
// more than maxSize fails with ErrTooLarge; the partial data is discarded.
// A maxSize <= 0 means no limit.
func ReadAllSHA256(r io.Reader, maxSize int64) ([]byte, string, error) {
	h := sha256.New()
	if maxSize > 0 {
		r = io.LimitReader(r, maxSize+1)
	}
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, "", err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, "", ErrTooLarge
	}
	return data, hex.EncodeToString(h.Sum(nil)), nil
}
