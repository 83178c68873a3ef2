// Package pathsafe validates client-supplied remote paths before they
// reach the file channel. Validation is purely lexical: it never
// touches the remote file system.
package pathsafe

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidPath is returned for empty paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrPathTraversal is returned when normalization cannot eliminate
	// a parent-directory segment.
	ErrPathTraversal = errors.New("path traversal not allowed")
)

// Validate normalizes remotePath per POSIX path rules (collapsing ".",
// ".." and redundant separators). A ".." segment that would climb past
// the start of the path cannot be eliminated and is rejected, so
// "/a/b/../c" normalizes to "/a/c" while "/a/../../etc" and
// "../secret" fail. The returned path is safe to hand to the file
// channel.
func Validate(remotePath string) (string, error) {
	if remotePath == "" {
		return "", ErrInvalidPath
	}

	rooted := strings.HasPrefix(remotePath, "/")

	var stack []string
	for _, seg := range strings.Split(remotePath, "/") {
		switch seg {
		case "", ".":
			// redundant separator or current dir
		case "..":
			if len(stack) == 0 {
				return "", ErrPathTraversal
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	normalized := strings.Join(stack, "/")
	if rooted {
		normalized = "/" + normalized
	}
	if normalized == "" {
		normalized = "."
	}
	return normalized, nil
}
