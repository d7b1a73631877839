package rules

import (
	"fmt"
	"io"
)

const (
	// RuleFileExt is the only extension Compile picks up.
	RuleFileExt = ".yar"

	// Namespace every rule is compiled into.
	Namespace = "default"

	// maxRuleFileSize bounds a single rule file.
	maxRuleFileSize int64 = 16 * 1024 * 1024
)

// readLimited reads all of r, failing if it holds more than max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("exceeds max size (limit %d bytes)", max)
	}
	return data, nil
}
