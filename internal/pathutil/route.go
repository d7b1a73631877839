// Package pathutil validates the configurable route paths before they are
// handed to the router.
package pathutil

import (
	"errors"
	"strings"
)

var (
	errNoLeadingSlash = errors.New("must start with /")
	errDotSegment     = errors.New("must not contain . or .. segments")
	errEmptySegment   = errors.New("must not contain empty segments")
	errTrailingSlash  = errors.New("must not end with /")
	errPatternChar    = errors.New("must not contain route pattern characters or whitespace")
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CheckRoute reports why p cannot be used as a literal route path, or nil.
// Braces and * would turn the path into a chi pattern.
func CheckRoute(p string) error {
	if !strings.HasPrefix(p, "/") {
		return errNoLeadingSlash
	}
	if p == "/" {
		return nil
	}
	if strings.ContainsAny(p, "{}* \t\r\n?#") {
		return errPatternChar
	}
	if strings.HasSuffix(p, "/") {
		return errTrailingSlash
	}
	if strings.Contains(p, "//") {
		return errEmptySegment
	}
	if HasDotSegments(p) {
		return errDotSegment
	}
	return nil
}
