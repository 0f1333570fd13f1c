// Package files discovers input files in a directory tree.
package files

import (
	"github.com/pkg/errors"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
)

// HasSuffix returns a matcher for file names ending with suffix.
func HasSuffix(suffix string) func(name string) bool {
	return func(name string) bool {
		return strings.HasSuffix(name, suffix)
	}
}

// Walk returns a lazy sequence over the absolute paths of the regular files under root
// (recursively) whose base name is accepted by match.
//
// Files are yielded in the order the walk visits them, which carries no meaning.
// If a directory can't be read, the error is yielded (with an empty path) and the sequence
// ends: the caller is expected to abort.
//
// The sequence is not restartable: each iteration walks the tree again.
func Walk(root string, match func(name string) bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			yield("", errors.Wrapf(err, "failed to resolve path %q", root))
			return
		}
		stopped := false
		err = filepath.WalkDir(absRoot, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return errors.Wrapf(err, "failed to list %q", path)
			}
			if !entry.Type().IsRegular() || !match(entry.Name()) {
				return nil
			}
			if !yield(path, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// Collect drains the sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var paths []string
	for path, err := range seq {
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
