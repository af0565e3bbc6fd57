package gateway

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// RemoteMatch is one remote path selected by a download glob, relative to
// the directory the walk started from.
type RemoteMatch struct {
	RelPath string
	Dir     bool
	Size    int64
}

// ListGlobs walks the remote tree under root and returns every entry whose
// root-relative path matches at least one glob, in path order. Directories
// are walked in full regardless of whether they match, so a pattern may
// select entries at any depth.
func ListGlobs(ctx context.Context, rc core.RemoteClient, root string, globs []string) ([]RemoteMatch, error) {
	if len(globs) == 0 {
		return nil, nil
	}

	var matches []RemoteMatch
	pending := []string{""}
	for len(pending) > 0 {
		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		entries, err := rc.List(ctx, path.Join(root, rel))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			relPath := path.Join(rel, e.Name)
			if matchAny(globs, relPath) {
				matches = append(matches, RemoteMatch{RelPath: relPath, Dir: e.Dir, Size: e.Size})
			}
			if e.Dir {
				pending = append(pending, relPath)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].RelPath < matches[j].RelPath })
	return matches, nil
}

func matchAny(globs []string, rel string) bool {
	for _, g := range globs {
		if matchGlob(g, rel) {
			return true
		}
	}
	return false
}

// matchGlob reports whether rel matches pattern. Matching follows path.Match
// (so * never crosses a slash), with one extension: a leading "**/" matches
// any number of directory levels, including none.
func matchGlob(pattern, rel string) bool {
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	rest, found := strings.CutPrefix(pattern, "**/")
	if !found {
		return false
	}
	if ok, _ := path.Match(rest, rel); ok {
		return true
	}
	segments := strings.Split(rel, "/")
	for i := 1; i < len(segments); i++ {
		if ok, _ := path.Match(rest, strings.Join(segments[i:], "/")); ok {
			return true
		}
	}
	return false
}
