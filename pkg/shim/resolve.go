package shim

import (
	"os"
	"path/filepath"
	"strings"
)

// resolver classifies absolute paths against the virtual mountpoint.
type resolver struct {
	mount string
}

func newResolver(mount string) *resolver {
	return &resolver{mount: canonicalize(filepath.Clean(mount))}
}

// resolve reports whether path falls under the virtual mountpoint. Virtual
// paths come back as the tree-relative suffix, always starting with "/".
// Anything else, including paths that cannot be canonicalized, returns the
// original path untouched so it can be handed to the real call verbatim.
func (r *resolver) resolve(path string) (virtual bool, out string) {
	abs := path
	if !filepath.IsAbs(abs) {
		wd, err := os.Getwd()
		if err != nil {
			return false, path
		}
		abs = filepath.Join(wd, abs)
	}
	canon := canonicalize(filepath.Clean(abs))

	if canon == r.mount {
		return true, "/"
	}
	if strings.HasPrefix(canon, r.mount+"/") {
		return true, canon[len(r.mount):]
	}
	return false, path
}

// canonicalize resolves symlinks for as much of the path as exists on the
// real filesystem and rejoins the missing tail lexically. Virtual paths
// rarely exist on disk, so a plain realpath style resolution would reject
// exactly the paths this shim is for.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	prefix := path
	var tail []string
	for {
		parent := filepath.Dir(prefix)
		if parent == prefix {
			break
		}
		tail = append(tail, filepath.Base(prefix))
		prefix = parent

		resolved, err := filepath.EvalSymlinks(prefix)
		if err != nil {
			continue
		}
		for i := len(tail) - 1; i >= 0; i-- {
			resolved = filepath.Join(resolved, tail[i])
		}
		return resolved
	}
	return path
}
